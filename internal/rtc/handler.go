// Package rtc is the browser transport: WebRTC peers whose microphone audio
// feeds a call and whose outbound track plays the agent.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/bot"
)

// Transport names this transport in status and metrics.
const Transport = "webrtc"

// micChunkBytes is 100ms of 16kHz PCM16, the unit sent to STT.
const micChunkBytes = 3200

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// SessionDescription is the JSON offer/answer exchanged over HTTP.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	// BusinessID optionally selects the tenant for the call.
	BusinessID string `json:"business_id,omitempty"`
}

// Handler creates peer connections and binds each one to a call.
type Handler struct {
	runner     *bot.Runner
	iceServers []webrtc.ICEServer
}

// NewHandler builds a handler. iceServersJSON is a JSON array of ICE servers;
// when empty or invalid the public Google STUN server is used.
func NewHandler(runner *bot.Runner, iceServersJSON string) *Handler {
	return &Handler{runner: runner, iceServers: parseICEServers(iceServersJSON)}
}

// HandleOffer accepts an SDP offer and returns the answer once ICE gathering
// has completed.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	h.attach(pc, outTrack, offer.BusinessID)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer prepares a peer connection with default codecs and interceptors
// plus the outbound agent track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// peer ties one peer connection to its call.
type peer struct {
	id     string
	pc     *webrtc.PeerConnection
	call   atomic.Pointer[bot.Call]
	paced  atomic.Pointer[OpusPacedWriter]
	once   sync.Once
	closed chan struct{}
}

// attach registers the connection, data channel and track callbacks. The
// call starts when the caller's audio track arrives.
func (h *Handler) attach(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample, businessID string) *peer {
	p := &peer{id: uuid.NewString()[:8], pc: pc, closed: make(chan struct{})}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infof("[%s] PeerConnection state: %s", p.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go p.close()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debugf("[%s] ICE state: %s", p.id, state.String())
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Infof("[%s] Control channel opened", p.id)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if isStopCommand(string(msg.Data)) {
				p.bargeIn()
			}
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio || p.call.Load() != nil {
			return
		}
		log.Infof("[%s] Remote audio track received: codec=%s", p.id, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Errorf("[%s] Opus encoder error: %v", p.id, err)
			return
		}
		p.paced.Store(paced)
		dec, err := opus.NewDecoder(audio.PCM16k.SampleRate, 1)
		if err != nil {
			log.Errorf("[%s] Opus decoder error: %v", p.id, err)
			return
		}

		call, err := h.runner.StartCall(context.Background(), bot.CallOptions{
			Transport:    Transport,
			BusinessID:   businessID,
			InputFormat:  audio.PCM16k,
			OutputFormat: audio.PCM48k,
			Sink:         paced,
			VoiceBargeIn: true,
		})
		if err != nil {
			log.Errorf("[%s] call start failed (assistant replies disabled): %v", p.id, err)
			return
		}
		p.call.Store(call)
		log.Infof("[%s] bound to call %s", p.id, call.ID())

		// The peer may have gone away while the call was starting.
		select {
		case <-p.closed:
			call.Close()
			return
		default:
		}
		go p.readMic(remote, dec, call)
	})
	return p
}

func (p *peer) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder, call *bot.Call) {
	chunker := micChunker{size: micChunkBytes}
	samples := make([]int16, 1920)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Debugf("[%s] RTP read ended: %v", p.id, err)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.Debugf("[%s] Opus decode error: %v", p.id, err)
			continue
		}
		chunker.add(samples[:n], call.Feed)
	}
}

func (p *peer) bargeIn() {
	if c := p.call.Load(); c != nil {
		c.BargeIn()
	}
	if w := p.paced.Load(); w != nil {
		w.Reset()
	}
}

// close ends the call, lets queued audio drain briefly and closes the peer.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		if c := p.call.Load(); c != nil {
			c.Close()
		}
		if w := p.paced.Load(); w != nil {
			time.AfterFunc(400*time.Millisecond, w.Close)
		}
		_ = p.pc.Close()
	})
}

// micChunker regroups decoded microphone samples into fixed-size PCM16 chunks.
type micChunker struct {
	size int
	buf  []byte
}

func (m *micChunker) add(samples []int16, emit func([]byte)) {
	m.buf = audio.AppendPCM16(m.buf, samples)
	for len(m.buf) >= m.size {
		chunk := make([]byte, m.size)
		copy(chunk, m.buf[:m.size])
		emit(chunk)
		n := copy(m.buf, m.buf[m.size:])
		m.buf = m.buf[:n]
	}
}

func isStopCommand(msg string) bool {
	switch strings.TrimSpace(strings.ToLower(msg)) {
	case "stop", "stop-speaking", "cancel", "barge-in":
		return true
	}
	return false
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return defaultICEServers
}
