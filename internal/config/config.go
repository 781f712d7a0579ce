// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults (spec.md §6 "Environment configuration"). All rate limits,
// sampling bounds, and timeouts are configurable; only TEXT_API_KEY has
// no default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SamplingBoundConfig mirrors internal/validate.SamplingBounds, loaded
// from the CHAT_*_DEFAULT / _MIN / _MAX environment keys.
type SamplingBoundConfig struct {
	Default, Min, Max float64
}

// RateConfig holds one sliding-window bucket's limit and period.
type RateConfig struct {
	Limit  int
	Window time.Duration
}

// Config holds all application configuration.
type Config struct {
	Port          string
	AllowedOrigin string
	APIKey        string

	MaxConcurrentConnections int
	IdleTimeout              time.Duration

	MessageRate RateConfig
	CancelRate  RateConfig

	Temperature       SamplingBoundConfig
	TopP              SamplingBoundConfig
	RepetitionPenalty SamplingBoundConfig

	PromptSanitizeMaxChars int
	TurnTimeout            time.Duration
	EmitFinalFrame         bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		APIKey:        getEnv("TEXT_API_KEY", ""),

		MaxConcurrentConnections: getEnvInt("MAX_CONCURRENT_CONNECTIONS", 64),
		IdleTimeout:              getEnvDuration("WS_IDLE_TIMEOUT_S", 150*time.Second, true),

		MessageRate: RateConfig{
			Limit:  getEnvInt("WS_MAX_MESSAGES_PER_WINDOW", 20),
			Window: getEnvDuration("WS_MESSAGE_WINDOW_SECONDS", 60*time.Second, true),
		},
		CancelRate: RateConfig{
			Limit:  getEnvInt("WS_MAX_CANCELS_PER_WINDOW", 10),
			Window: getEnvDuration("WS_CANCEL_WINDOW_SECONDS", 60*time.Second, true),
		},

		Temperature: SamplingBoundConfig{
			Default: getEnvFloat("CHAT_TEMPERATURE_DEFAULT", 0.8),
			Min:     getEnvFloat("CHAT_TEMPERATURE_MIN", 0.0),
			Max:     getEnvFloat("CHAT_TEMPERATURE_MAX", 2.0),
		},
		TopP: SamplingBoundConfig{
			Default: getEnvFloat("CHAT_TOP_P_DEFAULT", 0.95),
			Min:     getEnvFloat("CHAT_TOP_P_MIN", 0.0),
			Max:     getEnvFloat("CHAT_TOP_P_MAX", 1.0),
		},
		RepetitionPenalty: SamplingBoundConfig{
			Default: getEnvFloat("CHAT_REPETITION_PENALTY_DEFAULT", 1.1),
			Min:     getEnvFloat("CHAT_REPETITION_PENALTY_MIN", 1.0),
			Max:     getEnvFloat("CHAT_REPETITION_PENALTY_MAX", 2.0),
		},

		PromptSanitizeMaxChars: getEnvInt("PROMPT_SANITIZE_MAX_CHARS", 8192),
		TurnTimeout:            getEnvDuration("ENGINE_TURN_TIMEOUT_S", 45*time.Second, true),
		EmitFinalFrame:         getEnvBool("EMIT_FINAL_FRAME", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("TEXT_API_KEY cannot be empty")
	}
	if c.MaxConcurrentConnections < 1 {
		return fmt.Errorf("MAX_CONCURRENT_CONNECTIONS must be >= 1")
	}
	if c.MessageRate.Limit <= 0 || c.CancelRate.Limit <= 0 {
		return fmt.Errorf("rate limit bucket sizes must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration parses key as a duration. When secondsOnly is true, the
// value is a bare number of seconds (spec.md §6 keys are all suffixed
// _S/_SECONDS and carry no unit), matching the "_S"/"_SECONDS" naming
// convention of the WS_* and ENGINE_* keys; otherwise it falls back to
// Go duration syntax (e.g. "250ms").
func getEnvDuration(key string, fallback time.Duration, secondsOnly bool) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secondsOnly {
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
