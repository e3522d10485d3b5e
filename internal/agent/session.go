package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// InterruptedMarker is appended to assistant text cut short by the caller.
const InterruptedMarker = "[INTERRUPTED BY USER]"

// DefaultTurnTimeout bounds one LLM reply, tool calls included.
const DefaultTurnTimeout = 30 * time.Second

// chunkReply splits an assistant reply into sentence-like chunks to allow
// committing transcript increments only after corresponding audio is emitted.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}

// Options tune a Session.
type Options struct {
	// SystemPrompt leads every conversation sent to the LLM.
	SystemPrompt string
	// Greeting is spoken once the session starts. Empty disables it.
	Greeting string
	// TurnTimeout bounds each LLM reply. Defaults to DefaultTurnTimeout.
	TurnTimeout time.Duration
	// VoiceBargeIn stops speech when the caller talks over the agent.
	VoiceBargeIn bool
	Logger       *log.Logger
	// OnTranscript receives live transcripts.
	OnTranscript func(text string)
	// OnTurn is invoked when a user utterance has been answered (or failed).
	// The assistant text is exactly what was actually spoken.
	OnTurn func(Turn)
}

// Session orchestrates STT -> LLM -> TTS for a single call.
type Session struct {
	transcriber Transcriber
	llm         LLM
	tts         TTS
	sink        AudioSink
	opts        Options
	log         *log.Logger

	mu               sync.Mutex
	speaking         bool
	ttsCancel        context.CancelFunc
	bargeInRequested bool

	// history holds user and assistant messages, without the system prompt
	// and without the in-flight user text.
	history []Message
}

// NewSession constructs a new Session.
func NewSession(t Transcriber, llm LLM, tts TTS, sink AudioSink, opts Options) *Session {
	if sink == nil {
		sink = nopSink{}
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{transcriber: t, llm: llm, tts: tts, sink: sink, opts: opts, log: logger}
}

// conversation returns the messages for the next LLM call.
func (s *Session) conversation(latestUser string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, 0, len(s.history)+2)
	if s.opts.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s.opts.SystemPrompt})
	}
	msgs = append(msgs, s.history...)
	return append(msgs, Message{Role: RoleUser, Content: latestUser})
}

// record appends an exchange. Empty sides are skipped.
func (s *Session) record(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user != "" {
		s.history = append(s.history, Message{Role: RoleUser, Content: user})
	}
	if assistant != "" {
		s.history = append(s.history, Message{Role: RoleAssistant, Content: assistant})
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Start connects the transcriber and begins processing. It returns a stop function.
func (s *Session) Start(ctx context.Context) (func(), error) {
	if err := s.transcriber.Connect(); err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-s.transcriber.GetTranscripts():
				if !ok {
					return
				}
				if s.opts.OnTranscript != nil && t != "" {
					s.opts.OnTranscript(t)
				}
			}
		}
	}()

	go func() {
		if s.opts.Greeting != "" {
			spoken, interrupted := s.speak(ctx, s.opts.Greeting)
			s.record("", markInterrupted(spoken, interrupted))
		}
		for {
			select {
			case <-ctx.Done():
				return
			case utterance, ok := <-s.transcriber.Finalize():
				if !ok {
					return
				}
				s.respond(ctx, utterance)
			}
		}
	}()

	if s.opts.VoiceBargeIn {
		go s.watchBargeIn(ctx)
	}

	stop := func() {
		_ = s.transcriber.Close()
	}
	return stop, nil
}

// respond answers one finalized utterance.
func (s *Session) respond(ctx context.Context, utterance string) {
	prompt := strings.TrimSpace(utterance)
	if prompt == "" {
		return
	}
	s.log.Info("heard", "text", prompt)

	// Wait (bounded) for a silence window so the agent does not talk over
	// the caller.
	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	for waitCtx.Err() == nil {
		if !s.transcriber.RecentlyDetectedVoice(500 * time.Millisecond) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	waitCancel()

	convo := s.conversation(prompt)
	ctxLLM, cancel := context.WithTimeout(ctx, s.opts.TurnTimeout)
	reply, err := s.llm.Generate(ctxLLM, convo)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("llm failed", "err", err)
		s.record(prompt, "")
		s.emitTurn(Turn{User: prompt, Err: err, At: time.Now()})
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.record(prompt, "")
		return
	}

	spoken, interrupted := s.speak(ctx, reply)
	if ctx.Err() != nil && spoken == "" {
		return
	}
	assistant := markInterrupted(spoken, interrupted)
	s.record(prompt, assistant)
	if assistant != "" {
		s.log.Info("spoken", "text", assistant)
	} else {
		s.log.Info("spoken", "text", "(none)")
	}
	s.emitTurn(Turn{User: prompt, Assistant: assistant, Interrupted: interrupted, At: time.Now()})
}

func (s *Session) emitTurn(t Turn) {
	if s.opts.OnTurn != nil {
		s.opts.OnTurn(t)
	}
}

// speak streams text through TTS chunk by chunk and returns the chunks that
// were fully delivered before any barge-in.
func (s *Session) speak(ctx context.Context, text string) (string, bool) {
	ctxTTS, cancelTTS := context.WithCancel(ctx)
	defer cancelTTS()
	s.mu.Lock()
	s.speaking = true
	s.ttsCancel = cancelTTS
	s.bargeInRequested = false
	s.mu.Unlock()

	var spoken []string
	for _, chunk := range chunkReply(text) {
		if s.barged() {
			break
		}
		pcmCh, errCh := s.tts.Stream(ctxTTS, chunk)
		for pcmCh != nil || errCh != nil {
			select {
			case b, ok := <-pcmCh:
				if !ok {
					pcmCh = nil
					continue
				}
				if len(b) > 0 && !s.barged() {
					s.sink.Write(b)
				}
			case e, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if e != nil {
					s.log.Warn("tts stream failed", "err", e)
				}
			case <-ctx.Done():
				pcmCh, errCh = nil, nil
			}
		}
		if s.barged() || ctx.Err() != nil {
			break
		}
		spoken = append(spoken, chunk)
	}

	s.mu.Lock()
	wasBarged := s.bargeInRequested
	s.speaking = false
	s.ttsCancel = nil
	s.bargeInRequested = false
	s.mu.Unlock()
	if !wasBarged {
		s.sink.Flush()
	}
	return strings.Join(spoken, " "), wasBarged
}

func (s *Session) barged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInRequested
}

func markInterrupted(spoken string, interrupted bool) string {
	if !interrupted {
		return spoken
	}
	if spoken == "" {
		return InterruptedMarker
	}
	return spoken + " " + InterruptedMarker
}

// watchBargeIn cancels speech when voice energy shows up while speaking.
func (s *Session) watchBargeIn(ctx context.Context) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsSpeaking() && s.transcriber.RecentlyDetectedVoice(150*time.Millisecond) {
				s.log.Info("barge-in: canceling speech (VAD)")
				s.BargeIn()
			}
		}
	}
}

// Feed sends caller audio to the transcriber.
func (s *Session) Feed(data []byte) {
	_ = s.transcriber.SendAudio(data)
}

type nopSink struct{}

func (nopSink) Write([]byte) {}
func (nopSink) Flush()       {}
func (nopSink) Reset()       {}

// IsSpeaking reports whether TTS is currently active for this session.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// BargeIn cancels current TTS streaming and prevents further audio from being written to the sink.
func (s *Session) BargeIn() {
	s.mu.Lock()
	cancel := s.ttsCancel
	if s.speaking {
		s.bargeInRequested = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}
