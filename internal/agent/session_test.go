package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTranscriber struct {
	transcripts chan string
	finals      chan string
	voice       atomic.Bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{transcripts: make(chan string, 10), finals: make(chan string, 10)}
}

func (f *fakeTranscriber) Connect() error                { return nil }
func (f *fakeTranscriber) SendAudio(data []byte) error   { return nil }
func (f *fakeTranscriber) GetTranscripts() <-chan string { return f.transcripts }
func (f *fakeTranscriber) Finalize() <-chan string       { return f.finals }
func (f *fakeTranscriber) RecentlyDetectedVoice(window time.Duration) bool {
	return f.voice.Load()
}
func (f *fakeTranscriber) Close() error { close(f.transcripts); close(f.finals); return nil }

type fakeLLM struct {
	reply string
	err   error

	mu   sync.Mutex
	seen [][]Message
}

func (f *fakeLLM) Generate(ctx context.Context, messages []Message) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, append([]Message(nil), messages...))
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Message(nil), f.seen...)
}

type fakeTTS struct {
	frames int32
	delay  time.Duration
}

func (f *fakeTTS) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 10)
	errc := make(chan error, 1)
	delay := f.delay
	if delay == 0 {
		delay = 5 * time.Millisecond
	}
	go func() {
		defer close(pcm)
		defer close(errc)
		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pcm <- []byte{1, 0, 2, 0}
			atomic.AddInt32(&f.frames, 1)
			time.Sleep(delay)
		}
	}()
	return pcm, errc
}

type fakeSink struct {
	wrote   int32
	flushed int32
	resets  int32
}

func (s *fakeSink) Write(p []byte) { atomic.AddInt32(&s.wrote, 1) }
func (s *fakeSink) Flush()         { atomic.AddInt32(&s.flushed, 1) }
func (s *fakeSink) Reset()         { atomic.AddInt32(&s.resets, 1) }

func countRole(msgs []Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func startSession(t *testing.T, tr *fakeTranscriber, llm LLM, tts TTS, sink AudioSink, opts Options) *Session {
	t.Helper()
	sess := NewSession(tr, llm, tts, sink, opts)
	ctx, cancel := context.WithCancel(context.Background())
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stop()
	})
	return sess
}

func waitTurn(t *testing.T, turns <-chan Turn) Turn {
	t.Helper()
	select {
	case turn := <-turns:
		return turn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for turn")
	}
	return Turn{}
}

func TestSession_AddsOnlySpokenTextToHistory(t *testing.T) {
	tr := newFakeTranscriber()
	tts := &fakeTTS{delay: 20 * time.Millisecond}
	turns := make(chan Turn, 1)
	sess := startSession(t, tr, &fakeLLM{reply: "Hello world. This will be interrupted."}, tts, &fakeSink{},
		Options{OnTurn: func(turn Turn) { turns <- turn }})

	tr.finals <- "hi"
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&tts.frames) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	sess.BargeIn()
	turn := waitTurn(t, turns)

	if !turn.Interrupted || turn.Status() != "interrupted" {
		t.Fatalf("expected interrupted turn, got %+v", turn)
	}
	if strings.Contains(turn.Assistant, "This will be interrupted.") {
		t.Fatalf("unspoken text recorded: %q", turn.Assistant)
	}
	history := sess.History()
	if countRole(history, RoleUser) != 1 {
		t.Fatalf("expected user turn recorded")
	}
	if countRole(history, RoleAssistant) > 1 {
		t.Fatalf("expected at most one assistant entry, got %d", countRole(history, RoleAssistant))
	}
}

func TestSession_SkipsAssistantWhenNothingSpoken(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &fakeSink{}
	sess := startSession(t, tr, &fakeLLM{reply: "Hello"}, &fakeTTS{}, sink, Options{})

	tr.finals <- "hi"
	sess.BargeIn()
	time.Sleep(30 * time.Millisecond)
	wrote := atomic.LoadInt32(&sink.wrote)
	if n := countRole(sess.History(), RoleAssistant); wrote == 0 && n != 0 {
		t.Fatalf("expected 0 assistant entries when no audio written, got %d", n)
	}
}

func TestSession_NoAppendOnLLMError(t *testing.T) {
	tr := newFakeTranscriber()
	turns := make(chan Turn, 1)
	sess := startSession(t, tr, &fakeLLM{err: errors.New("boom")}, &fakeTTS{}, &fakeSink{},
		Options{OnTurn: func(turn Turn) { turns <- turn }})

	tr.finals <- "hi"
	turn := waitTurn(t, turns)
	if turn.Status() != "failed" {
		t.Fatalf("expected failed turn, got %q", turn.Status())
	}
	if n := countRole(sess.History(), RoleAssistant); n != 0 {
		t.Fatalf("expected 0 assistant entries on LLM error, got %d", n)
	}
}

func TestSession_SendsSystemPromptAndHistory(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "We are open 9am-5pm daily."}
	sink := &fakeSink{}
	turns := make(chan Turn, 2)
	startSession(t, tr, llm, &fakeTTS{}, sink, Options{
		SystemPrompt: "You are a helpful AI voice assistant.",
		OnTurn:       func(turn Turn) { turns <- turn },
	})

	tr.finals <- "What are your hours?"
	first := waitTurn(t, turns)
	if first.Assistant != "We are open 9am-5pm daily." || first.Status() != "spoken" {
		t.Fatalf("unexpected first turn %+v", first)
	}
	tr.finals <- "And on Sunday?"
	waitTurn(t, turns)

	calls := llm.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 llm calls, got %d", len(calls))
	}
	second := calls[1]
	want := []Message{
		{Role: RoleSystem, Content: "You are a helpful AI voice assistant."},
		{Role: RoleUser, Content: "What are your hours?"},
		{Role: RoleAssistant, Content: "We are open 9am-5pm daily."},
		{Role: RoleUser, Content: "And on Sunday?"},
	}
	if len(second) != len(want) {
		t.Fatalf("unexpected conversation %+v", second)
	}
	for i := range want {
		if second[i] != want[i] {
			t.Fatalf("message %d: got %+v want %+v", i, second[i], want[i])
		}
	}
	if atomic.LoadInt32(&sink.flushed) < 2 {
		t.Fatalf("expected sink flushed after each reply")
	}
}

func TestSession_GreetingIsSpokenAndRecorded(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &fakeSink{}
	sess := startSession(t, tr, &fakeLLM{reply: "unused"}, &fakeTTS{}, sink, Options{Greeting: "Hi there! How can I help you today?"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sess.History()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	history := sess.History()
	if len(history) != 1 || history[0].Role != RoleAssistant || history[0].Content != "Hi there! How can I help you today?" {
		t.Fatalf("unexpected history %+v", history)
	}
	if atomic.LoadInt32(&sink.wrote) == 0 {
		t.Fatalf("expected greeting audio")
	}
}

func TestSession_VoiceBargeIn(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &fakeSink{}
	turns := make(chan Turn, 1)
	startSession(t, tr, &fakeLLM{reply: "One. Two. Three. Four."}, &fakeTTS{delay: 30 * time.Millisecond}, sink, Options{
		VoiceBargeIn: true,
		OnTurn:       func(turn Turn) { turns <- turn },
	})

	tr.finals <- "count for me"
	go func() {
		time.Sleep(60 * time.Millisecond)
		tr.voice.Store(true)
	}()
	turn := waitTurn(t, turns)
	if !turn.Interrupted {
		t.Fatalf("expected caller voice to interrupt, got %+v", turn)
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("expected sink reset on barge-in")
	}
}

func TestChunkReply_SplitsAndTrims(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"  Hello world.  How are you?\nI am fine!  ", []string{"Hello world.", "How are you?", "I am fine!"}},
		{"no punctuation here", []string{"no punctuation here"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := chunkReply(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("len mismatch for %q: got %d want %d", tc.in, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("elem %d mismatch: got %q want %q", i, got[i], tc.want[i])
			}
		}
	}
}

func TestMarkInterrupted(t *testing.T) {
	if markInterrupted("Hello.", false) != "Hello." {
		t.Fatalf("uninterrupted text changed")
	}
	if markInterrupted("", true) != InterruptedMarker {
		t.Fatalf("expected bare marker")
	}
	if markInterrupted("Hello.", true) != "Hello. "+InterruptedMarker {
		t.Fatalf("expected marker suffix")
	}
}
