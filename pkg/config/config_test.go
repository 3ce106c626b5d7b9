package config

import (
	"strings"
	"testing"
	"time"
)

var agentEnvKeys = []string{
	"VOICE_AGENT_ADDR",
	"VOICE_AGENT_STT_URL",
	"VOICE_AGENT_STT_API_KEY",
	"VOICE_AGENT_STT_MODEL",
	"VOICE_AGENT_STT_KEEPALIVE_INTERVAL",
	"VOICE_AGENT_TTS_URL",
	"VOICE_AGENT_TTS_API_KEY",
	"VOICE_AGENT_TTS_VOICE_ID",
	"VOICE_AGENT_TTS_MODEL_ID",
	"VOICE_AGENT_OPENAI_API_KEY",
	"VOICE_AGENT_OPENAI_BASE_URL",
	"VOICE_AGENT_MODEL",
	"VOICE_AGENT_MAX_TOOL_DEPTH",
	"VOICE_AGENT_MAX_HISTORY",
	"VOICE_AGENT_CALENDAR_BASE_URL",
	"VOICE_AGENT_CALENDAR_API_KEY",
	"VOICE_AGENT_CALENDAR_ID",
	"VOICE_AGENT_CALENDAR_TIMEOUT",
	"VOICE_AGENT_RETRY_MAX_ATTEMPTS",
	"VOICE_AGENT_RETRY_INITIAL_DELAY",
	"VOICE_AGENT_RETRY_MAX_DELAY",
	"VOICE_AGENT_GREETING",
	"VOICE_AGENT_SHUTDOWN_GRACE_PERIOD",
}

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, key := range agentEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearAgentEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.STTModel != "nova-2-phonecall" {
		t.Fatalf("STTModel = %q", cfg.STTModel)
	}
	if cfg.STTKeepAliveInterval != 10*time.Second {
		t.Fatalf("STTKeepAliveInterval = %v, want 10s", cfg.STTKeepAliveInterval)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.MaxToolDepth != 5 {
		t.Fatalf("MaxToolDepth = %d, want 5", cfg.MaxToolDepth)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("RetryMaxAttempts = %d, want 3", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialDelay != time.Second || cfg.RetryMaxDelay != 10*time.Second {
		t.Fatalf("retry delays = %v / %v", cfg.RetryInitialDelay, cfg.RetryMaxDelay)
	}
	if !strings.Contains(cfg.TTSURL, "{voice_id}") {
		t.Fatalf("TTSURL = %q, want voice placeholder", cfg.TTSURL)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("VOICE_AGENT_ADDR", ":9000")
	t.Setenv("VOICE_AGENT_MODEL", "gpt-4o")
	t.Setenv("VOICE_AGENT_MAX_TOOL_DEPTH", "2")
	t.Setenv("VOICE_AGENT_RETRY_INITIAL_DELAY", "250ms")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Model != "gpt-4o" || cfg.MaxToolDepth != 2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RetryInitialDelay != 250*time.Millisecond {
		t.Fatalf("RetryInitialDelay = %v", cfg.RetryInitialDelay)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero tool depth", "VOICE_AGENT_MAX_TOOL_DEPTH", "0"},
		{"zero retry attempts", "VOICE_AGENT_RETRY_MAX_ATTEMPTS", "-1"},
		{"max delay below initial", "VOICE_AGENT_RETRY_MAX_DELAY", "1ms"},
		{"zero keepalive", "VOICE_AGENT_STT_KEEPALIVE_INTERVAL", "-5s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearAgentEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoadFromEnv_BadNumberFallsBackToDefault(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("VOICE_AGENT_MAX_HISTORY", "lots")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.MaxHistory != 40 {
		t.Fatalf("MaxHistory = %d, want default 40", cfg.MaxHistory)
	}
}
