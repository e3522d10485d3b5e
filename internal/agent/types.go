package agent

import (
	"context"
	"time"
)

// Transcriber is the minimal interface for realtime STT. It accepts raw caller
// audio in whatever format it was configured for and emits live and finalized
// text.
type Transcriber interface {
	Connect() error
	SendAudio(data []byte) error
	GetTranscripts() <-chan string
	Finalize() <-chan string
	// RecentlyDetectedVoice returns true if voice energy was seen within the given window.
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the LLM.
type Message struct {
	Role    string
	Content string
}

// LLM generates the assistant's next reply for a conversation.
type LLM interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// TTS streams synthesized audio for text in the sink's format.
type TTS interface {
	Stream(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// AudioSink delivers agent audio to the caller. Implementations buffer
// internally and pace delivery.
type AudioSink interface {
	Write(audio []byte)
	// Flush pushes out buffered audio at the end of a reply.
	Flush()
	// Reset drops any queued audio immediately (used for barge-in).
	Reset()
}

// Turn is one completed exchange as the caller experienced it.
type Turn struct {
	User string
	// Assistant is exactly what was spoken, marked when interrupted.
	Assistant   string
	Interrupted bool
	Err         error
	At          time.Time
}

// Status classifies a turn for logs and metrics.
func (t Turn) Status() string {
	switch {
	case t.Err != nil:
		return "failed"
	case t.Interrupted:
		return "interrupted"
	}
	return "spoken"
}
