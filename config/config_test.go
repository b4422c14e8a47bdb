package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vnmchuo/companion/internal/provider"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "BIND_ADDR", "DEFAULT_RATE_LIMIT_TPM", "REQUEST_TIMEOUT", "LOG_LEVEL", "OTEL_EXPORTER_TYPE", "OTEL_SAMPLE_RATIO", "BRIDGE_TOKEN", "REDIS_ADDR"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("GEMINI_API_KEY", " g-key ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8765" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
	if cfg.RequestTimeout != 120*time.Second || cfg.DefaultRateLimitTPM != 0 || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.OTELExporterType != "none" || cfg.OTELSampleRatio != 1 {
		t.Errorf("Expected tracing off by default, got %q", cfg.OTELExporterType)
	}
	if got := cfg.APIKeys()[provider.TypeGemini]; got != "g-key" {
		t.Errorf("Expected trimmed gemini key, got %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad tpm", map[string]string{"DEFAULT_RATE_LIMIT_TPM": "lots"}},
		{"tpm without redis", map[string]string{"DEFAULT_RATE_LIMIT_TPM": "1000", "REDIS_ADDR": ""}},
		{"bad timeout", map[string]string{"REQUEST_TIMEOUT": "soon"}},
		{"bad exporter", map[string]string{"OTEL_EXPORTER_TYPE": "zipkin"}},
		{"public bind without token", map[string]string{"BIND_ADDR": "0.0.0.0", "BRIDGE_TOKEN": ""}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad sample ratio", map[string]string{"OTEL_SAMPLE_RATIO": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 120 * time.Second},
		{10 * time.Second, 60 * time.Second},
		{90 * time.Second, 90 * time.Second},
		{10 * time.Minute, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := ClampTimeout(tt.in); got != tt.want {
			t.Errorf("ClampTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
persona:
  pet_name: Tofu
  owner_name: Ana
translation_language: ja
active_provider: gemini
web_search_trigger: "/search "
fast_models:
  gemini: gemini-2.0-flash-lite
providers:
  ollama:
    model: qwen3:4b
    temperature: 0.7
`)
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Persona.PetName != "Tofu" || s.TranslationLanguage != "ja" || s.ActiveProvider != "gemini" || s.WebSearchTrigger == nil || *s.WebSearchTrigger != "/search " {
		t.Errorf("unexpected settings %+v", s)
	}
	if s.FastModelsByType()[provider.TypeGemini] != "gemini-2.0-flash-lite" {
		t.Errorf("unexpected fast models %v", s.FastModels)
	}

	cfg := s.Providers["ollama"].Apply(provider.DefaultConfig(provider.TypeOllama))
	if cfg.Model != "qwen3:4b" || cfg.Temperature != 0.7 || cfg.TopP != 0.95 || cfg.Endpoint != "http://localhost:11434" {
		t.Errorf("unexpected override result %+v", cfg)
	}
}

func TestLoadSettings_Errors(t *testing.T) {
	if s, err := LoadSettings(""); err != nil || s.ActiveProvider != "" {
		t.Errorf("Expected empty settings for empty path, got %+v %v", s, err)
	}
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := []string{
		"translation_language: fr\n",
		"active_provider: mystery\n",
		"fast_models:\n  gemini: \"\"\n",
		"providers:\n  openai:\n    top_p: 2\n",
		"providers: [oops\n",
	}
	for _, body := range bad {
		if _, err := LoadSettings(writeSettings(t, body)); err == nil {
			t.Errorf("Expected error for %q", body)
		}
	}
}
