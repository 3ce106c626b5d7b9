// Package config loads the agent's process configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Speech-to-text provider.
	STTURL               string
	STTAPIKey            string
	STTModel             string
	STTKeepAliveInterval time.Duration

	// Text-to-speech provider.
	TTSURL     string
	TTSAPIKey  string
	TTSVoiceID string
	TTSModelID string

	// Language model.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	MaxToolDepth  int
	MaxHistory    int

	// Calendar backend.
	CalendarBaseURL string
	CalendarAPIKey  string
	CalendarID      string
	CalendarTimeout time.Duration

	// Resilience defaults for external calls.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	Greeting string

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICE_AGENT_ADDR", ":8080"),
		STTURL:               envOr("VOICE_AGENT_STT_URL", "wss://api.deepgram.com/v1/listen"),
		STTAPIKey:            os.Getenv("VOICE_AGENT_STT_API_KEY"),
		STTModel:             envOr("VOICE_AGENT_STT_MODEL", "nova-2-phonecall"),
		STTKeepAliveInterval: envDurationOr("VOICE_AGENT_STT_KEEPALIVE_INTERVAL", 10*time.Second),
		TTSURL:               envOr("VOICE_AGENT_TTS_URL", "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"),
		TTSAPIKey:            os.Getenv("VOICE_AGENT_TTS_API_KEY"),
		TTSVoiceID:           envOr("VOICE_AGENT_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		TTSModelID:           envOr("VOICE_AGENT_TTS_MODEL_ID", "eleven_flash_v2_5"),
		OpenAIAPIKey:         os.Getenv("VOICE_AGENT_OPENAI_API_KEY"),
		OpenAIBaseURL:        os.Getenv("VOICE_AGENT_OPENAI_BASE_URL"),
		Model:                envOr("VOICE_AGENT_MODEL", "gpt-4o-mini"),
		MaxToolDepth:         envIntOr("VOICE_AGENT_MAX_TOOL_DEPTH", 5),
		MaxHistory:           envIntOr("VOICE_AGENT_MAX_HISTORY", 40),
		CalendarBaseURL:      envOr("VOICE_AGENT_CALENDAR_BASE_URL", "http://localhost:9400"),
		CalendarAPIKey:       os.Getenv("VOICE_AGENT_CALENDAR_API_KEY"),
		CalendarID:           envOr("VOICE_AGENT_CALENDAR_ID", "primary"),
		CalendarTimeout:      envDurationOr("VOICE_AGENT_CALENDAR_TIMEOUT", 10*time.Second),
		RetryMaxAttempts:     envIntOr("VOICE_AGENT_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay:    envDurationOr("VOICE_AGENT_RETRY_INITIAL_DELAY", time.Second),
		RetryMaxDelay:        envDurationOr("VOICE_AGENT_RETRY_MAX_DELAY", 10*time.Second),
		Greeting:             envOr("VOICE_AGENT_GREETING", "Thanks for calling! How can I help you today?"),
		ShutdownGracePeriod:  envDurationOr("VOICE_AGENT_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.STTURL) == "" {
		return Config{}, fmt.Errorf("VOICE_AGENT_STT_URL must not be empty")
	}
	if strings.TrimSpace(cfg.TTSURL) == "" {
		return Config{}, fmt.Errorf("VOICE_AGENT_TTS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.CalendarBaseURL) == "" {
		return Config{}, fmt.Errorf("VOICE_AGENT_CALENDAR_BASE_URL must not be empty")
	}
	if cfg.STTKeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_STT_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.MaxToolDepth <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_TOOL_DEPTH must be > 0")
	}
	if cfg.MaxHistory <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_MAX_HISTORY must be > 0")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_RETRY_MAX_ATTEMPTS must be > 0")
	}
	if cfg.RetryInitialDelay <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_RETRY_INITIAL_DELAY must be > 0")
	}
	if cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		return Config{}, fmt.Errorf("VOICE_AGENT_RETRY_MAX_DELAY must be >= VOICE_AGENT_RETRY_INITIAL_DELAY")
	}
	if cfg.CalendarTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_CALENDAR_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICE_AGENT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
