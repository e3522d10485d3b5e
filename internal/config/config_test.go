package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("KB_MODE", "")
	t.Setenv("KB_TIMEOUT", "")
	t.Setenv("NEXT_APP_URL", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("expected default openai model, got %q", cfg.OpenAIModel)
	}
	if cfg.KnowledgeMode != "framed" {
		t.Fatalf("expected framed mode by default, got %q", cfg.KnowledgeMode)
	}
	if cfg.KnowledgeTimeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", cfg.KnowledgeTimeout)
	}
	if cfg.KnowledgeBaseURL != "http://localhost:3000" {
		t.Fatalf("expected local retrieval url, got %q", cfg.KnowledgeBaseURL)
	}
}

func TestLoad_OverridesAndTrimsBaseURL(t *testing.T) {
	t.Setenv("NEXT_APP_URL", "https://kb.example.com/")
	t.Setenv("KB_MODE", "FLAT")
	t.Setenv("KB_TIMEOUT", "2500ms")
	t.Setenv("BUSINESS_ID", "biz-42")
	cfg := Load()
	if cfg.KnowledgeBaseURL != "https://kb.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.KnowledgeBaseURL)
	}
	if cfg.KnowledgeMode != "flat" {
		t.Fatalf("expected flat, got %q", cfg.KnowledgeMode)
	}
	if cfg.KnowledgeTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected timeout %v", cfg.KnowledgeTimeout)
	}
	if cfg.BusinessID != "biz-42" {
		t.Fatalf("unexpected business id %q", cfg.BusinessID)
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := Config{TTSProvider: "deepgram", KnowledgeMode: "framed", KnowledgeTimeout: time.Second}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error for missing keys")
	}
	for _, want := range []string{"OPENAI_API_KEY", "DEEPGRAM_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		OpenAIKey:        "sk",
		DeepgramKey:      "dg",
		TTSProvider:      "deepgram",
		KnowledgeMode:    "framed",
		KnowledgeTimeout: time.Second,
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"flat_mode", func(c *Config) { c.KnowledgeMode = "flat" }, false},
		{"bad_mode", func(c *Config) { c.KnowledgeMode = "sse" }, true},
		{"elevenlabs_missing_voice", func(c *Config) { c.TTSProvider = "elevenlabs"; c.ElevenLabsKey = "k" }, true},
		{"elevenlabs_ok", func(c *Config) {
			c.TTSProvider = "elevenlabs"
			c.ElevenLabsKey = "k"
			c.ElevenLabsVoiceID = "v"
		}, false},
		{"unknown_tts", func(c *Config) { c.TTSProvider = "polly" }, true},
		{"zero_timeout", func(c *Config) { c.KnowledgeTimeout = 0 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr=%v got %v", tc.wantErr, err)
			}
		})
	}
}
