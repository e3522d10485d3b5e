package transcript

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/chadiek/kb-voice-agent/internal/audio"
)

// SilenceThreshold is the base inactivity window required before an utterance
// is considered complete.
const SilenceThreshold = 700 * time.Millisecond

// ContinuationExtension is added to the silence threshold when the last word
// suggests the caller is about to continue ("and", "because", ...).
const ContinuationExtension = 1200 * time.Millisecond

// StabilizationGrace absorbs late transcript updates before finalizing.
const StabilizationGrace = 250 * time.Millisecond

// DefaultEndpoint is Deepgram's live transcription WebSocket.
const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

const (
	keepAliveInterval = 5 * time.Second
	voiceRMS          = 250.0
)

// Options configures a DeepgramService.
type Options struct {
	APIKey   string
	Model    string
	Language string
	Format   audio.Format
	// Endpoint overrides DefaultEndpoint.
	Endpoint string
}

// DeepgramService streams caller audio to Deepgram and turns its results into
// live transcripts and finalized utterances.
type DeepgramService struct {
	opts        Options
	conn        *websocket.Conn
	writeMu     sync.Mutex
	transcripts chan string
	finalizeCh  chan string
	audioData   chan []byte
	stopCh      chan struct{}
	mu          sync.RWMutex
	connected   bool

	// chMu guards the output channels against sends after Close.
	chMu     sync.RWMutex
	chClosed bool

	silence      time.Duration
	continuation time.Duration
	grace        time.Duration

	accMu sync.Mutex
	// finals holds is_final segments not yet emitted as an utterance.
	finals  []string
	interim string
	// emittedInterim is interim text already emitted whose final result may
	// still arrive.
	emittedInterim string
	utteranceEnded bool
	lastUpdateTime time.Time
	silenceTimer   *time.Timer
	lastVoiceTime  time.Time
}

type dgAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type dgResults struct {
	Type        string  `json:"type"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []dgAlternative `json:"alternatives"`
	} `json:"channel"`
}

type dgMetadata struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
}

type dgError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// NewDeepgramService creates a live transcription service. Nothing is dialed
// until Connect.
func NewDeepgramService(opts Options) *DeepgramService {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.PCM16k
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	return &DeepgramService{
		opts:         opts,
		transcripts:  make(chan string, 100),
		finalizeCh:   make(chan string, 10),
		audioData:    make(chan []byte, 1000),
		stopCh:       make(chan struct{}),
		silence:      SilenceThreshold,
		continuation: ContinuationExtension,
		grace:        StabilizationGrace,
	}
}

// Finalize returns a channel of completed utterances.
func (s *DeepgramService) Finalize() <-chan string { return s.finalizeCh }

// GetTranscripts returns the channel of live (interim) transcripts.
func (s *DeepgramService) GetTranscripts() <-chan string { return s.transcripts }

func (s *DeepgramService) listenURL() string {
	params := url.Values{}
	params.Set("model", s.opts.Model)
	params.Set("language", s.opts.Language)
	params.Set("encoding", s.opts.Format.Encoding)
	params.Set("sample_rate", strconv.Itoa(s.opts.Format.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("endpointing", "300")
	params.Set("utterance_end_ms", "1000")
	params.Set("vad_events", "true")
	return s.opts.Endpoint + "?" + params.Encode()
}

// Connect dials Deepgram and starts the reader, writer and keepalive loops.
func (s *DeepgramService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.opts.APIKey == "" {
		return fmt.Errorf("deepgram: API key is empty")
	}

	headers := http.Header{"Authorization": {"Token " + s.opts.APIKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(s.listenURL(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("deepgram: connect failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("deepgram: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.accMu.Lock()
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now()
	s.accMu.Unlock()

	go s.handleMessages()
	go s.sendAudioData()
	go s.keepAlive()

	log.Debug("deepgram: connected", "model", s.opts.Model, "encoding", s.opts.Format.Encoding, "rate", s.opts.Format.SampleRate)
	return nil
}

// SendAudio queues caller audio in the configured format.
func (s *DeepgramService) SendAudio(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("deepgram: not connected")
	}
	s.detectVoiceActivity(data)
	select {
	case s.audioData <- data:
	default:
		log.Warn("deepgram: audio buffer full, dropping packet")
	}
	return nil
}

// detectVoiceActivity marks lastVoiceTime when a buffer carries voice energy.
func (s *DeepgramService) detectVoiceActivity(data []byte) {
	var rms float64
	if s.opts.Format.Encoding == "mulaw" {
		if len(data) < 80 {
			return
		}
		rms = audio.RMSMulaw(data)
	} else {
		if len(data) < 320 {
			return
		}
		rms = audio.RMS16(data)
	}
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether voice energy was seen within window.
func (s *DeepgramService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return !last.IsZero() && time.Since(last) <= window
}

// Close asks Deepgram to flush, closes the socket and emits any pending text
// before closing the output channels.
func (s *DeepgramService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()
	_ = s.writeJSON(map[string]string{"type": "CloseStream"})
	s.writeMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()
	s.connected = false
	s.flushPending()

	s.chMu.Lock()
	s.chClosed = true
	close(s.audioData)
	close(s.transcripts)
	close(s.finalizeCh)
	s.chMu.Unlock()
	log.Debug("deepgram: connection closed")
	return nil
}

func (s *DeepgramService) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("deepgram: not connected")
	}
	return s.conn.WriteJSON(v)
}

func (s *DeepgramService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("deepgram: recovered in reader", "panic", r)
		}
	}()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				log.Warn("deepgram: read failed", "err", err)
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *DeepgramService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Warn("deepgram: undecodable message", "err", err)
		return
	}
	switch base.Type {
	case "Results":
		var msg dgResults
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn("deepgram: bad Results message", "err", err)
			return
		}
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		s.onResult(strings.TrimSpace(msg.Channel.Alternatives[0].Transcript), msg.IsFinal, msg.SpeechFinal)
	case "UtteranceEnd":
		s.accMu.Lock()
		s.utteranceEnded = true
		s.resetTimerLocked(s.grace)
		s.accMu.Unlock()
	case "SpeechStarted":
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	case "Metadata":
		var msg dgMetadata
		_ = json.Unmarshal(message, &msg)
		log.Debug("deepgram: metadata", "request_id", msg.RequestID, "duration", msg.Duration)
	case "Error":
		var msg dgError
		_ = json.Unmarshal(message, &msg)
		log.Error("deepgram: error", "description", msg.Description, "message", msg.Message)
	default:
		log.Debug("deepgram: unhandled message", "type", base.Type)
	}
}

func (s *DeepgramService) onResult(text string, isFinal, speechFinal bool) {
	s.accMu.Lock()
	if isFinal && s.emittedInterim != "" {
		// the final result of an interim we already emitted
		if strings.HasPrefix(text, s.emittedInterim) {
			text = strings.TrimSpace(text[len(s.emittedInterim):])
		}
		s.emittedInterim = ""
	}
	if text == "" && !speechFinal {
		if isFinal {
			s.interim = ""
		}
		s.accMu.Unlock()
		return
	}
	if isFinal {
		if text != "" {
			s.finals = append(s.finals, text)
		}
		s.interim = ""
	} else {
		s.interim = text
	}
	s.lastUpdateTime = time.Now()
	s.utteranceEnded = s.utteranceEnded && text == ""
	if speechFinal {
		s.utteranceEnded = true
	}
	current := s.currentLocked()
	s.resetTimerLocked(s.silence)
	s.accMu.Unlock()

	if current != "" {
		s.emit(s.transcripts, current, false)
	}
}

func (s *DeepgramService) currentLocked() string {
	parts := append([]string(nil), s.finals...)
	if s.interim != "" {
		parts = append(parts, s.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (s *DeepgramService) resetTimerLocked(d time.Duration) {
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(d, s.finalizeDueToSilence)
		return
	}
	s.silenceTimer.Stop()
	s.silenceTimer.Reset(d)
}

func (s *DeepgramService) thresholdLocked() time.Duration {
	continuing := isContinuationLikely(s.currentLocked())
	if s.utteranceEnded && !continuing {
		return s.grace
	}
	threshold := s.silence
	if continuing {
		threshold += s.continuation
	}
	return threshold
}

// finalizeDueToSilence runs off the silence timer. It emits the accumulated
// utterance once both text and voice energy have been quiet long enough.
func (s *DeepgramService) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := s.thresholdLocked()
	sinceText := now.Sub(s.lastUpdateTime)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		s.resetTimerLocked(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdateTime
	s.accMu.Unlock()

	time.Sleep(s.grace)

	s.accMu.Lock()
	if s.lastUpdateTime.After(lastUpdateAt) {
		s.resetTimerLocked(s.thresholdLocked())
		s.accMu.Unlock()
		return
	}
	utterance := s.takeLocked()
	s.accMu.Unlock()

	if utterance == "" {
		return
	}
	s.emit(s.finalizeCh, utterance, true)
}

// takeLocked returns the pending utterance and resets the accumulator.
func (s *DeepgramService) takeLocked() string {
	utterance := s.currentLocked()
	if s.interim != "" {
		s.emittedInterim = s.interim
	}
	s.finals = nil
	s.interim = ""
	s.utteranceEnded = false
	return utterance
}

func (s *DeepgramService) flushPending() {
	s.accMu.Lock()
	utterance := s.takeLocked()
	s.accMu.Unlock()
	if utterance == "" {
		return
	}
	select {
	case s.finalizeCh <- utterance:
	case <-time.After(200 * time.Millisecond):
		log.Warn("deepgram: timed out delivering final utterance")
	}
}

// emit sends on ch unless the service is closed. Blocking sends wait for a
// reader or shutdown; others drop when the buffer is full.
func (s *DeepgramService) emit(ch chan string, text string, blocking bool) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.chClosed {
		return
	}
	if !blocking {
		select {
		case ch <- text:
		default:
		}
		return
	}
	select {
	case ch <- text:
	case <-s.stopCh:
	}
}

func (s *DeepgramService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("deepgram: recovered in writer", "panic", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case data, ok := <-s.audioData:
			if !ok {
				return
			}
			s.writeMu.Lock()
			conn := s.conn
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.BinaryMessage, data)
			}
			s.writeMu.Unlock()
			if err != nil {
				log.Warn("deepgram: sending audio failed", "err", err)
				return
			}
		}
	}
}

// keepAlive stops Deepgram from closing the stream while the caller is quiet.
func (s *DeepgramService) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

// isContinuationLikely reports whether the last word suggests the speaker
// will keep going.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
