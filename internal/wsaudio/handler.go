// Package wsaudio is the raw WebSocket transport. Binary frames carry 16kHz
// mono PCM16LE in both directions; text frames carry JSON events.
//
// Server events: ready, transcript, turn, audio_end, clear, error.
// Client commands: interrupt, bye.
package wsaudio

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/chadiek/kb-voice-agent/internal/agent"
	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/bot"
)

// Transport names this transport in status and metrics.
const Transport = "websocket"

const writeTimeout = 5 * time.Second

// Event is a JSON text frame.
type Event struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	Text        string `json:"text,omitempty"`
	User        string `json:"user,omitempty"`
	Assistant   string `json:"assistant,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves one call per WebSocket connection.
type Handler struct {
	runner *bot.Runner
}

// NewHandler builds a handler starting calls on runner.
func NewHandler(runner *bot.Runner) *Handler {
	return &Handler{runner: runner}
}

// ServeHTTP upgrades the request and runs the call until either side hangs up.
// The tenant is taken from the business_id query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws audio upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()
	out := &socket{conn: conn}

	call, err := h.runner.StartCall(r.Context(), bot.CallOptions{
		Transport:    Transport,
		BusinessID:   r.URL.Query().Get("business_id"),
		InputFormat:  audio.PCM16k,
		OutputFormat: audio.PCM16k,
		Sink:         out,
		VoiceBargeIn: true,
		OnTranscript: func(text string) {
			out.event(Event{Type: "transcript", Text: text})
		},
		OnTurn: func(t agent.Turn) {
			out.event(turnEvent(t))
		},
	})
	if err != nil {
		log.Error("ws audio call start failed", "err", err)
		out.event(Event{Type: "error", Error: err.Error()})
		return
	}
	defer call.Close()
	out.event(Event{Type: "ready", CallID: call.ID()})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws audio read ended", "call", call.ID(), "err", err)
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			call.Feed(data)
		case websocket.TextMessage:
			switch command(data) {
			case "interrupt":
				call.BargeIn()
			case "bye":
				return
			}
		}
	}
}

func command(data []byte) string {
	var m struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &m) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m.Type))
}

func turnEvent(t agent.Turn) Event {
	ev := Event{Type: "turn", User: t.User, Assistant: t.Assistant, Interrupted: t.Interrupted, Status: t.Status()}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	return ev
}

// socket is the call's audio sink. gorilla connections allow one concurrent
// writer, so every write goes through mu.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
	dead bool
}

func (s *socket) write(mt int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(mt, data); err != nil {
		s.dead = true
		log.Debug("ws audio write failed", "err", err)
	}
}

func (s *socket) event(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.write(websocket.TextMessage, data)
}

// Write sends agent audio as one binary frame.
func (s *socket) Write(pcm []byte) { s.write(websocket.BinaryMessage, pcm) }

// Flush marks the end of a reply.
func (s *socket) Flush() { s.event(Event{Type: "audio_end"}) }

// Reset tells the client to drop audio it has buffered.
func (s *socket) Reset() { s.event(Event{Type: "clear"}) }

var _ agent.AudioSink = (*socket)(nil)
