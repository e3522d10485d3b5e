package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/kb-voice-agent/internal/audio"
)

// DefaultDeepgramVoice is the Aura voice used when none is configured.
const DefaultDeepgramVoice = "aura-asteria-en"

// DeepgramClient synthesizes speech over Deepgram's speak WebSocket.
type DeepgramClient struct {
	apiKey string
	model  string
	format audio.Format
	// idle ends a stream once audio stopped arriving for this long.
	idle time.Duration
	// limit bounds a single synthesis.
	limit time.Duration
}

// NewDeepgramClient returns a client producing audio in format.
func NewDeepgramClient(apiKey, voice string, format audio.Format) *DeepgramClient {
	if voice == "" {
		voice = DefaultDeepgramVoice
	}
	if format.SampleRate == 0 {
		format = audio.PCM48k
	}
	return &DeepgramClient{apiKey: apiKey, model: voice, format: format, idle: 400 * time.Millisecond, limit: 12 * time.Second}
}

// Format reports the audio format of streamed chunks.
func (d *DeepgramClient) Format() audio.Format { return d.format }

// Stream synthesizes text and delivers raw audio chunks until the service goes
// quiet, ctx is cancelled, or the per-synthesis limit passes.
func (d *DeepgramClient) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := d.synthesize(ctx, text, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (d *DeepgramClient) synthesize(ctx context.Context, text string, out chan<- []byte) error {
	if d.apiKey == "" {
		return fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var seen activity
	cb := &speakHandler{audio: func(data []byte) {
		seen.touch()
		chunk := append([]byte(nil), data...)
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}}
	opts := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.format.Encoding,
		SampleRate: d.format.SampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if !dg.Connect() {
		return fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		log.Warn("deepgram: flush failed", "err", err)
	}
	d.waitQuiet(ctx, &seen, len(text))
	return nil
}

// waitQuiet returns once audio has stopped arriving for d.idle, or when ctx
// ends or d.limit passes.
func (d *DeepgramClient) waitQuiet(ctx context.Context, seen *activity, chars int) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	limit := time.NewTimer(d.limit)
	defer limit.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-limit.C:
			log.Warn("deepgram: synthesis hit time limit", "chars", chars)
			return
		case <-tick.C:
			if last, ok := seen.last(); ok && time.Since(last) > d.idle {
				return
			}
		}
	}
}

// activity records when audio last arrived.
type activity struct{ nanos atomic.Int64 }

func (a *activity) touch() { a.nanos.Store(time.Now().UnixNano()) }

func (a *activity) last() (time.Time, bool) {
	n := a.nanos.Load()
	return time.Unix(0, n), n != 0
}

// speakHandler adapts the SDK callback interface to a single audio func.
type speakHandler struct{ audio func([]byte) }

func (h *speakHandler) Open(*msginterfaces.OpenResponse) error         { return nil }
func (h *speakHandler) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (h *speakHandler) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (h *speakHandler) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (h *speakHandler) Close(*msginterfaces.CloseResponse) error       { return nil }
func (h *speakHandler) UnhandledEvent([]byte) error                    { return nil }

func (h *speakHandler) Warning(w *msginterfaces.WarningResponse) error {
	log.Warn("deepgram: speak warning", "warning", w)
	return nil
}

func (h *speakHandler) Error(e *msginterfaces.ErrorResponse) error {
	log.Error("deepgram: speak error", "error", e)
	return nil
}

func (h *speakHandler) Binary(data []byte) error {
	if len(data) > 0 && h.audio != nil {
		h.audio(data)
	}
	return nil
}
