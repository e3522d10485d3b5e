package phone

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/bot"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startMessage is the "start" event of a Media Stream.
type startMessage struct {
	StreamSid string `json:"streamSid"`
	Start     struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start"`
}

// outbound is a message sent to Twilio on the stream.
type outbound struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     *outMedia    `json:"media,omitempty"`
	Mark      *outMarkName `json:"mark,omitempty"`
}

type outMedia struct {
	Payload string `json:"payload"`
}

type outMarkName struct {
	Name string `json:"name"`
}

// handleStream runs one call over a Twilio Media Stream.
func (s *Service) handleStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	sink := &streamSink{conn: conn}
	var call *bot.Call
	defer func() {
		if call != nil {
			call.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("media stream read ended", "err", err)
			}
			return nil
		}
		switch gjson.GetBytes(data, "event").String() {
		case "connected":
			log.Debug("media stream connected", "protocol", gjson.GetBytes(data, "protocol").String())
		case "start":
			if call != nil {
				continue
			}
			var m startMessage
			if err := json.Unmarshal(data, &m); err != nil {
				log.Warn("bad start message", "err", err)
				continue
			}
			sid := m.Start.StreamSid
			if sid == "" {
				sid = m.StreamSid
			}
			sink.setStreamSid(sid)
			call, err = s.runner.StartCall(c.Request().Context(), bot.CallOptions{
				Transport:    Transport,
				BusinessID:   m.Start.CustomParameters["business_id"],
				InputFormat:  audio.Mulaw8k,
				OutputFormat: audio.Mulaw8k,
				Sink:         sink,
				VoiceBargeIn: true,
			})
			if err != nil {
				log.Error("phone call start failed", "call_sid", m.Start.CallSid, "err", err)
				return nil
			}
			log.Info("media stream started", "call", call.ID(), "call_sid", m.Start.CallSid, "stream_sid", sid)
			s.startRecording(c.Request(), m.Start.CallSid)
		case "media":
			if call == nil {
				continue
			}
			if track := gjson.GetBytes(data, "media.track").String(); track != "" && track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(gjson.GetBytes(data, "media.payload").String())
			if err != nil || len(payload) == 0 {
				continue
			}
			call.Feed(payload)
		case "mark":
			log.Debug("playback reached mark", "name", gjson.GetBytes(data, "mark.name").String())
		case "stop":
			log.Info("media stream stopped", "stream_sid", gjson.GetBytes(data, "streamSid").String())
			return nil
		}
	}
}

// streamSink sends agent audio to Twilio. Writes are serialized because a
// websocket connection allows one writer at a time.
type streamSink struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSid string
	marks     int
	dead      bool
}

func (s *streamSink) setStreamSid(sid string) {
	s.mu.Lock()
	s.streamSid = sid
	s.mu.Unlock()
}

func (s *streamSink) send(m outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.streamSid == "" {
		return
	}
	m.StreamSid = s.streamSid
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(m); err != nil {
		s.dead = true
		log.Debug("media stream write failed", "err", err)
	}
}

// Write sends µ-law audio as one media message.
func (s *streamSink) Write(ulaw []byte) {
	s.send(outbound{Event: "media", Media: &outMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)}})
}

// Flush marks the end of a reply so Twilio reports when playback reaches it.
func (s *streamSink) Flush() {
	s.mu.Lock()
	s.marks++
	name := fmt.Sprintf("reply-%d", s.marks)
	s.mu.Unlock()
	s.send(outbound{Event: "mark", Mark: &outMarkName{Name: name}})
}

// Reset clears audio Twilio has buffered but not yet played.
func (s *streamSink) Reset() {
	s.send(outbound{Event: "clear"})
}
