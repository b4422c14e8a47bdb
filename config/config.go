package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/companion/internal/provider"
)

type Config struct {
	// Server
	Port        string // default: 8765
	BindAddr    string // default: 127.0.0.1
	BridgeToken string // optional bearer token for the local bridge

	// Database (optional, in-memory store when empty)
	PostgresDSN string

	// Cache (optional)
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	QwenAPIKey      string
	CustomAPIKey    string
	RequestTimeout  time.Duration // clamped into [60s, 120s]

	// Observability
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // default: 1
	LogLevel             slog.Level

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute per provider, 0 disables

	// Settings file (YAML)
	SettingsFile string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8765"),
		BindAddr:             getEnv("BIND_ADDR", "127.0.0.1"),
		BridgeToken:          os.Getenv("BRIDGE_TOKEN"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		QwenAPIKey:           os.Getenv("QWEN_API_KEY"),
		CustomAPIKey:         os.Getenv("CUSTOM_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		SettingsFile:         os.Getenv("SETTINGS_FILE"),
	}

	// Rate Limiting Default
	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if tpm < 0 {
		return nil, fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must not be negative, got %d", tpm)
	}
	cfg.DefaultRateLimitTPM = tpm

	timeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", provider.DefaultTimeout.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = ClampTimeout(timeout)

	ratio, err := strconv.ParseFloat(getEnv("OTEL_SAMPLE_RATIO", "1"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLE_RATIO must be a number within [0, 1], got %q", os.Getenv("OTEL_SAMPLE_RATIO"))
	}
	cfg.OTELSampleRatio = ratio

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	// Validation
	switch cfg.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return nil, fmt.Errorf("OTEL_EXPORTER_TYPE must be stdout, otlp or none, got %q", cfg.OTELExporterType)
	}
	if cfg.DefaultRateLimitTPM > 0 && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when DEFAULT_RATE_LIMIT_TPM is set")
	}
	if cfg.BindAddr != "127.0.0.1" && cfg.BindAddr != "localhost" && cfg.BindAddr != "::1" && cfg.BridgeToken == "" {
		return nil, fmt.Errorf("BRIDGE_TOKEN is required when BIND_ADDR is not a loopback address")
	}

	return cfg, nil
}

// ClampTimeout keeps a request timeout within the supported range.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return provider.DefaultTimeout
	case d < provider.MinTimeout:
		return provider.MinTimeout
	case d > provider.DefaultTimeout:
		return provider.DefaultTimeout
	}
	return d
}

// APIKeys returns the vendor keys found in the environment, keyed by type.
func (c *Config) APIKeys() map[provider.Type]string {
	return map[provider.Type]string{
		provider.TypeOpenAI:    strings.TrimSpace(c.OpenAIAPIKey),
		provider.TypeAnthropic: strings.TrimSpace(c.AnthropicAPIKey),
		provider.TypeGemini:    strings.TrimSpace(c.GeminiAPIKey),
		provider.TypeQwen:      strings.TrimSpace(c.QwenAPIKey),
		provider.TypeCustom:    strings.TrimSpace(c.CustomAPIKey),
	}
}

func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
