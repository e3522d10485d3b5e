package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the JSON envelope of WebSocket signaling.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP        string `json:"sdp,omitempty"`
	BusinessID string `json:"business_id,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// signaler serializes writes to the socket and holds back local candidates
// until the answer has been sent.
type signaler struct {
	conn *websocket.Conn

	mu       sync.Mutex
	answered bool
	pending  []signalMessage
}

func (s *signaler) send(m signalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(m)
}

func (s *signaler) sendError(err error) {
	_ = s.send(signalMessage{Type: "error", Error: err.Error()})
}

func (s *signaler) candidate(m signalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answered {
		s.pending = append(s.pending, m)
		return
	}
	_ = s.conn.WriteJSON(m)
}

func (s *signaler) answer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(signalMessage{Type: "answer", SDP: sdp}); err != nil {
		return err
	}
	s.answered = true
	for _, m := range s.pending {
		if err := s.conn.WriteJSON(m); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// ServeWebSocket performs offer/answer and trickle ICE over a WebSocket. The
// client sends auth (when required), then offer, then candidates; the server
// replies with answer, candidates and ice-complete. The socket stays open for
// the life of the peer.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()
	sig := &signaler{conn: conn}

	if authPassword != "" && !checkAuthHeaderOrQuery(r, authPassword) {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			sig.sendError(errors.New("auth required"))
			return
		}
		if strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			sig.sendError(errors.New("unauthorized"))
			return
		}
	}

	offer, ok := readOffer(conn)
	if !ok {
		return
	}
	if offer.BusinessID == "" {
		offer.BusinessID = r.URL.Query().Get("business_id")
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		sig.sendError(err)
		return
	}
	p := h.attach(pc, outTrack, offer.BusinessID)
	defer p.close()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			sig.candidate(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		sig.candidate(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		sig.sendError(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sig.sendError(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		sig.sendError(err)
		return
	}
	if err := sig.answer(answer.SDP); err != nil {
		log.Warnf("[%s] ws write answer error: %v", p.id, err)
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var m signalMessage
			if err := conn.ReadJSON(&m); err != nil {
				var syntax *json.SyntaxError
				var typ *json.UnmarshalTypeError
				if errors.As(err, &syntax) || errors.As(err, &typ) {
					continue
				}
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
					log.Debugf("[%s] add remote candidate: %v", p.id, err)
				}
			case "bye":
				return
			}
		}
	}()

	select {
	case <-readerDone:
	case <-p.closed:
	}
}

// readOffer reads messages until an offer arrives. It returns false on bye
// or when the socket fails.
func readOffer(conn *websocket.Conn) (signalMessage, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("ws read error before offer", "err", err)
			return signalMessage{}, false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m, true
			}
		case "bye":
			return signalMessage{}, false
		}
	}
}

// checkAuthHeaderOrQuery accepts the password as ?password=, a Bearer token or
// X-Auth-Token.
func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// AuthOK reports whether r carries password. An empty password accepts
// every request.
func AuthOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	return checkAuthHeaderOrQuery(r, password)
}
