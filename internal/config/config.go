package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

const defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Knowledge base (retrieval endpoint)
	KnowledgeBaseURL   string
	KnowledgePath      string
	KnowledgeMode      string
	KnowledgeTimeout   time.Duration
	KnowledgeTextField string
	BusinessID         string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	DeepgramKey      string
	DeepgramSTTModel string
	DeepgramTTSVoice string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	Greeting string

	ICEServersJSON string
	AuthPassword   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioRecord     bool
	PublicBaseURL    string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", "err", err)
	}

	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":7860"),

		KnowledgeBaseURL:   strings.TrimRight(getEnv("NEXT_APP_URL", "http://localhost:3000"), "/"),
		KnowledgePath:      getEnv("KB_PATH", "/api/chat"),
		KnowledgeMode:      strings.ToLower(getEnv("KB_MODE", "framed")),
		KnowledgeTimeout:   getDuration("KB_TIMEOUT", 10*time.Second),
		KnowledgeTextField: getEnv("KB_RESPONSE_FIELD", "response"),
		BusinessID:         os.Getenv("BUSINESS_ID"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramSTTModel: getEnv("DEEPGRAM_STT_MODEL", "nova-2"),
		DeepgramTTSVoice: getEnv("DEEPGRAM_TTS_VOICE", "aura-asteria-en"),

		TTSProvider:       strings.ToLower(getEnv("TTS_PROVIDER", "deepgram")),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		Greeting: getEnv("GREETING", "Hi there! How can I help you today?"),

		ICEServersJSON: getEnv("ICE_SERVERS_JSON", defaultICEServersJSON),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioRecord:     getBool("TWILIO_RECORD_CALLS", false),
		PublicBaseURL:    strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "call-transcripts"),
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
		log.Warn("SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - business profiles and transcript archive disabled")
	}
	if cfg.TwilioAuthToken == "" {
		log.Warn("TWILIO_AUTH_TOKEN not set - phone transport will reject webhooks")
	}
	return cfg
}

// Validate reports missing credentials and invalid settings. It is meant to be
// called once by the owning process before anything is started.
func (c Config) Validate() error {
	var errs []error
	if c.OpenAIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY environment variable required"))
	}
	if c.DeepgramKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY environment variable required"))
	}
	switch c.TTSProvider {
	case "deepgram":
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			errs = append(errs, errors.New("ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID required when TTS_PROVIDER=elevenlabs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider))
	}
	switch c.KnowledgeMode {
	case "framed", "flat":
	default:
		errs = append(errs, fmt.Errorf("unknown KB_MODE %q (want framed or flat)", c.KnowledgeMode))
	}
	if c.KnowledgeTimeout <= 0 {
		errs = append(errs, errors.New("KB_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// SupabaseEnabled reports whether both Supabase settings are present.
func (c Config) SupabaseEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn("invalid boolean, using default", "key", key, "value", v)
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("invalid duration, using default", "key", key, "value", v)
		return defaultValue
	}
	return d
}
