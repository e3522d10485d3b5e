package bot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chadiek/kb-voice-agent/internal/agent"
	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/knowledge"
	"github.com/chadiek/kb-voice-agent/internal/llm"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
	"github.com/chadiek/kb-voice-agent/internal/store"
)

type fakeSTT struct {
	transcripts chan string
	finals      chan string
	closeOnce   sync.Once
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{transcripts: make(chan string, 4), finals: make(chan string, 4)}
}

func (f *fakeSTT) Connect() error                           { return nil }
func (f *fakeSTT) SendAudio([]byte) error                   { return nil }
func (f *fakeSTT) GetTranscripts() <-chan string            { return f.transcripts }
func (f *fakeSTT) Finalize() <-chan string                  { return f.finals }
func (f *fakeSTT) RecentlyDetectedVoice(time.Duration) bool { return false }
func (f *fakeSTT) Close() error {
	f.closeOnce.Do(func() { close(f.transcripts); close(f.finals) })
	return nil
}

type echoLLM struct {
	mu     sync.Mutex
	system string
}

func (e *echoLLM) Generate(ctx context.Context, msgs []agent.Message) (string, error) {
	e.mu.Lock()
	if len(msgs) > 0 && msgs[0].Role == agent.RoleSystem {
		e.system = msgs[0].Content
	}
	e.mu.Unlock()
	return "You said " + msgs[len(msgs)-1].Content + ".", nil
}

func (e *echoLLM) systemPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.system
}

type silentTTS struct{}

func (silentTTS) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 1)
	errc := make(chan error)
	pcm <- []byte{0, 0}
	close(pcm)
	close(errc)
	return pcm, errc
}

type fakeProfiles struct {
	profile store.Profile
	err     error
}

func (f fakeProfiles) Get(ctx context.Context, id string) (store.Profile, error) {
	return f.profile, f.err
}

type fakeArchive struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func (f *fakeArchive) Upload(ctx context.Context, key, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = data
	return nil
}

func (f *fakeArchive) only(t *testing.T) (string, []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(f.uploads))
	}
	for k, v := range f.uploads {
		return k, v
	}
	return "", nil
}

type harness struct {
	runner  *Runner
	llm     *echoLLM
	stt     *fakeSTT
	archive *fakeArchive
	metrics *metrics.Metrics

	mu    sync.Mutex
	tools []llm.Tool
	in    audio.Format
}

func newHarness(t *testing.T, cfg config.Config, profiles store.Profiles) *harness {
	t.Helper()
	h := &harness{llm: &echoLLM{}, stt: newFakeSTT(), archive: &fakeArchive{}, metrics: metrics.New()}
	kb := knowledge.New(knowledge.Options{BaseURL: "http://127.0.0.1:1"})
	h.runner = NewRunner(cfg, kb, profiles, h.archive, h.metrics).
		WithServiceFactory(func(in, out audio.Format, tools ...llm.Tool) (Services, error) {
			h.mu.Lock()
			h.tools = tools
			h.in = in
			h.mu.Unlock()
			return Services{STT: h.stt, LLM: h.llm, TTS: silentTTS{}}, nil
		})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRunner_CheckFlipsReadiness(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	if h.runner.Ready() {
		t.Fatalf("runner ready before check")
	}
	components, err := h.runner.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !h.runner.Ready() {
		t.Fatalf("runner not ready after passing check")
	}
	for _, name := range []string{"knowledge", "stt", "llm", "tts"} {
		if !strings.HasPrefix(components[name], "ok") {
			t.Fatalf("component %s = %q", name, components[name])
		}
	}
	if components["supabase"] != "disabled" {
		t.Fatalf("supabase = %q, want disabled", components["supabase"])
	}
}

func TestRunner_CheckFailsOnServiceError(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	h.runner.WithServiceFactory(func(in, out audio.Format, tools ...llm.Tool) (Services, error) {
		return Services{}, errors.New("stt: DEEPGRAM_API_KEY is not set")
	})
	if _, err := h.runner.Check(context.Background()); err == nil {
		t.Fatalf("expected check error")
	}
	if h.runner.Ready() {
		t.Fatalf("runner ready despite failing check")
	}
	if st := h.runner.Status(); st.Components["services"] == "" || st.Ready {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunner_CallLifecycle(t *testing.T) {
	cfg := config.Config{BusinessID: "biz-1", Greeting: "Hello!", KnowledgeBaseURL: "http://kb", KnowledgePath: "/api/chat"}
	h := newHarness(t, cfg, fakeProfiles{profile: store.Profile{ID: "biz-1", Name: "Bella's Bistro", SystemPrompt: "Mention the lunch special."}})

	var turns []agent.Turn
	var mu sync.Mutex
	call, err := h.runner.StartCall(context.Background(), CallOptions{
		Transport:    "websocket",
		InputFormat:  audio.PCM16k,
		OutputFormat: audio.PCM16k,
		OnTurn: func(t agent.Turn) {
			mu.Lock()
			turns = append(turns, t)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if call.BusinessID() != "biz-1" {
		t.Fatalf("tenant = %q, want configured default", call.BusinessID())
	}
	if h.in != audio.PCM16k {
		t.Fatalf("services built for %+v", h.in)
	}
	if len(h.tools) != 1 || h.tools[0].Name != llm.KnowledgeToolName {
		t.Fatalf("expected knowledge tool, got %+v", h.tools)
	}
	if got := h.runner.Status().ActiveCalls["websocket"]; got != 1 {
		t.Fatalf("active websocket calls = %d", got)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveCalls.WithLabelValues("websocket")); got != 1 {
		t.Fatalf("active calls gauge = %v", got)
	}

	h.stt.finals <- "what time do you open"
	waitFor(t, func() bool { return len(call.Turns()) == 1 })

	if sys := h.llm.systemPrompt(); !strings.Contains(sys, "Bella's Bistro") || !strings.Contains(sys, "Mention the lunch special.") {
		t.Fatalf("system prompt not personalized: %q", sys)
	}
	mu.Lock()
	forwarded := len(turns)
	mu.Unlock()
	if forwarded != 1 {
		t.Fatalf("OnTurn called %d times", forwarded)
	}
	if got := testutil.ToFloat64(h.metrics.Turns.WithLabelValues("spoken")); got != 1 {
		t.Fatalf("spoken turns = %v", got)
	}

	call.Close()
	call.Close()

	if got := h.runner.Status().ActiveCalls["websocket"]; got != 0 {
		t.Fatalf("call still tracked after close")
	}
	if got := testutil.ToFloat64(h.metrics.ActiveCalls.WithLabelValues("websocket")); got != 0 {
		t.Fatalf("active calls gauge = %v after close", got)
	}

	key, data := h.archive.only(t)
	if !strings.HasPrefix(key, "calls/") || !strings.HasSuffix(key, "/"+call.ID()+".json") {
		t.Fatalf("unexpected archive key %q", key)
	}
	var rec store.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if rec.BusinessID != "biz-1" || rec.Transport != "websocket" || len(rec.Turns) != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Turns[0].User != "what time do you open" || rec.Turns[0].Assistant != "You said what time do you open." {
		t.Fatalf("unexpected turn %+v", rec.Turns[0])
	}
}

func TestRunner_ProfileErrorsDoNotBlockCalls(t *testing.T) {
	for name, err := range map[string]error{
		"not_found": store.ErrProfileNotFound,
		"broken":    errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, config.Config{}, fakeProfiles{err: err})
			call, startErr := h.runner.StartCall(context.Background(), CallOptions{Transport: "phone", BusinessID: "biz-9"})
			if startErr != nil {
				t.Fatalf("start call: %v", startErr)
			}
			defer call.Close()
			if call.BusinessID() != "biz-9" {
				t.Fatalf("tenant = %q", call.BusinessID())
			}
		})
	}
}

func TestRunner_CallWithoutTurnsIsNotArchived(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	call, err := h.runner.StartCall(context.Background(), CallOptions{Transport: "webrtc"})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	call.Close()
	if len(h.archive.uploads) != 0 {
		t.Fatalf("empty call archived")
	}
}

func TestRunner_StartCallFailsWhenServicesFail(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	h.runner.WithServiceFactory(func(in, out audio.Format, tools ...llm.Tool) (Services, error) {
		return Services{}, errors.New("tts: unknown provider")
	})
	if _, err := h.runner.StartCall(context.Background(), CallOptions{Transport: "webrtc"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(h.runner.Status().ActiveCalls) != 0 {
		t.Fatalf("failed call tracked")
	}
}

func TestDefaultServices(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"no_deepgram", config.Config{OpenAIKey: "sk"}, "DEEPGRAM_API_KEY"},
		{"no_openai", config.Config{DeepgramKey: "dg"}, "OPENAI_API_KEY"},
		{"elevenlabs_missing_voice", config.Config{DeepgramKey: "dg", OpenAIKey: "sk", TTSProvider: "elevenlabs", ElevenLabsKey: "el"}, "ELEVENLABS_VOICE_ID"},
		{"unknown_provider", config.Config{DeepgramKey: "dg", OpenAIKey: "sk", TTSProvider: "polly"}, "unknown provider"},
		{"deepgram", config.Config{DeepgramKey: "dg", OpenAIKey: "sk", TTSProvider: "deepgram"}, ""},
		{"elevenlabs", config.Config{DeepgramKey: "dg", OpenAIKey: "sk", TTSProvider: "elevenlabs", ElevenLabsKey: "el", ElevenLabsVoiceID: "v"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := DefaultServices(tc.cfg)(audio.Mulaw8k, audio.Mulaw8k)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if svc.STT == nil || svc.LLM == nil || svc.TTS == nil {
				t.Fatalf("incomplete services %+v", svc)
			}
			if got := describe(svc.TTS); !strings.HasSuffix(got, ", mulaw 8000)") {
				t.Fatalf("tts described as %q", got)
			}
			if got := describe(svc.LLM); !strings.HasSuffix(got, ", "+llm.DefaultModel+")") {
				t.Fatalf("llm described as %q", got)
			}
		})
	}
}

// toolLLM answers every turn by calling its first tool.
type toolLLM struct {
	tools   []llm.Tool
	answers chan string
}

func (l *toolLLM) Generate(ctx context.Context, msgs []agent.Message) (string, error) {
	answer, err := l.tools[0].Call(ctx, `{"query":"what are your hours"}`)
	l.answers <- answer
	return answer, err
}

func TestCall_CloseAbandonsInFlightLookup(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	release := make(chan struct{})
	kb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-release:
		}
	}))
	defer kb.Close()
	defer close(release)

	stt := newFakeSTT()
	model := &toolLLM{answers: make(chan string, 1)}
	client := knowledge.New(knowledge.Options{BaseURL: kb.URL, Timeout: 10 * time.Second})
	runner := NewRunner(config.Config{BusinessID: "biz-1"}, client, nil, nil, nil).
		WithServiceFactory(func(in, out audio.Format, tools ...llm.Tool) (Services, error) {
			model.tools = tools
			return Services{STT: stt, LLM: model, TTS: silentTTS{}}, nil
		})

	call, err := runner.StartCall(context.Background(), CallOptions{Transport: "websocket"})
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	stt.finals <- "what are your hours"

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("lookup never reached the knowledge base")
	}
	call.Close()

	select {
	case answer := <-model.answers:
		if answer != knowledge.MessageApology {
			t.Fatalf("answer = %q, want apology", answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lookup still running after Close")
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("knowledge request not cancelled")
	}
	if turns := call.Turns(); len(turns) != 0 {
		t.Fatalf("abandoned turn recorded: %+v", turns)
	}
}
