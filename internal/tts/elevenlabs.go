package tts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"

	"github.com/chadiek/kb-voice-agent/internal/audio"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModel   = "eleven_flash_v2_5"
)

// ElevenLabsClient streams speech from the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	http    *resty.Client
	apiKey  string
	voiceID string
	format  audio.Format
}

// NewElevenLabsClient returns a client producing audio in format.
func NewElevenLabsClient(apiKey, voiceID string, format audio.Format) *ElevenLabsClient {
	if format.SampleRate == 0 {
		format = audio.PCM48k
	}
	return &ElevenLabsClient{
		http:    resty.New().SetBaseURL(elevenLabsBaseURL).SetLogger(log.Default()),
		apiKey:  apiKey,
		voiceID: voiceID,
		format:  format,
	}
}

// WithBaseURL points the client at another host.
func (e *ElevenLabsClient) WithBaseURL(u string) *ElevenLabsClient {
	e.http.SetBaseURL(strings.TrimRight(u, "/"))
	return e
}

// Format reports the audio format of streamed chunks.
func (e *ElevenLabsClient) Format() audio.Format { return e.format }

// outputFormat maps an audio format to ElevenLabs' output_format names.
func outputFormat(f audio.Format) string {
	if f.Encoding == "mulaw" {
		return "ulaw_8000"
	}
	return fmt.Sprintf("pcm_%d", f.SampleRate)
}

// Stream synthesizes text and relays body chunks as they arrive.
func (e *ElevenLabsClient) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.apiKey == "" || e.voiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if text == "" {
			return
		}
		if err := e.httpStream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	body := map[string]any{
		"model_id": elevenLabsModel,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeader("xi-api-key", e.apiKey).
		SetHeader("Content-Type", "application/json").
		SetPathParam("voice", e.voiceID).
		SetQueryParams(map[string]string{
			"model_id":                   elevenLabsModel,
			"output_format":              outputFormat(e.format),
			"optimize_streaming_latency": "2",
		}).
		SetBody(body).
		SetDoNotParseResponse(true).
		Post("/v1/text-to-speech/{voice}/stream")
	if err != nil {
		return fmt.Errorf("elevenlabs: stream request: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		b, _ := io.ReadAll(io.LimitReader(raw, 4096))
		return fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode(), string(b))
	}

	buf := make([]byte, 4096)
	first := true
	for {
		n, rerr := raw.Read(buf)
		if n > 0 {
			if first {
				log.Debug("elevenlabs: receiving audio stream", "first_chunk", n)
				first = false
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("elevenlabs: read stream: %w", rerr)
		}
	}
}
