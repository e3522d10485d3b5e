package bot

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chadiek/kb-voice-agent/internal/agent"
	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/knowledge"
	"github.com/chadiek/kb-voice-agent/internal/llm"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
	"github.com/chadiek/kb-voice-agent/internal/transcript"
	"github.com/chadiek/kb-voice-agent/internal/tts"
)

// Services are the vendor clients serving one call.
type Services struct {
	STT agent.Transcriber
	LLM agent.LLM
	TTS agent.TTS
}

// ServiceFactory builds Services for a call whose caller audio arrives as in
// and whose agent audio must leave as out.
type ServiceFactory func(in, out audio.Format, tools ...llm.Tool) (Services, error)

// DefaultServices builds Deepgram STT, OpenAI and the configured TTS provider.
func DefaultServices(cfg config.Config) ServiceFactory {
	return func(in, out audio.Format, tools ...llm.Tool) (Services, error) {
		if cfg.DeepgramKey == "" {
			return Services{}, fmt.Errorf("stt: DEEPGRAM_API_KEY is not set")
		}
		if cfg.OpenAIKey == "" {
			return Services{}, fmt.Errorf("llm: OPENAI_API_KEY is not set")
		}
		s := Services{
			STT: transcript.NewDeepgramService(transcript.Options{
				APIKey: cfg.DeepgramKey,
				Model:  cfg.DeepgramSTTModel,
				Format: in,
			}),
			LLM: llm.NewClient(llm.Options{
				APIKey:  cfg.OpenAIKey,
				Model:   cfg.OpenAIModel,
				BaseURL: cfg.OpenAIBaseURL,
			}, tools...),
		}
		switch cfg.TTSProvider {
		case "", "deepgram":
			s.TTS = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramTTSVoice, out)
		case "elevenlabs":
			if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
				return Services{}, fmt.Errorf("tts: ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID are required")
			}
			s.TTS = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, out)
		default:
			return Services{}, fmt.Errorf("tts: unknown provider %q", cfg.TTSProvider)
		}
		return s, nil
	}
}

// KnowledgeClient builds the knowledge base client described by cfg,
// reporting lookups to m when it is not nil. An unknown mode falls back to
// framed; Config.Validate reports it.
func KnowledgeClient(cfg config.Config, m *metrics.Metrics) *knowledge.Client {
	mode, err := knowledge.ParseMode(cfg.KnowledgeMode)
	if err != nil {
		log.Warn("using framed knowledge mode", "err", err)
	}
	opts := knowledge.Options{
		BaseURL:       cfg.KnowledgeBaseURL,
		Path:          cfg.KnowledgePath,
		Mode:          mode,
		Timeout:       cfg.KnowledgeTimeout,
		ResponseField: cfg.KnowledgeTextField,
	}
	if m != nil {
		opts.Observer = func(o knowledge.Outcome, elapsed time.Duration) {
			m.ObserveLookup(string(o), elapsed)
		}
	}
	return knowledge.New(opts)
}
