// Package factory turns a stored provider configuration into a live adapter.
package factory

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/provider/claude"
	"github.com/vnmchuo/companion/internal/provider/gemini"
	"github.com/vnmchuo/companion/internal/provider/ollama"
	"github.com/vnmchuo/companion/internal/provider/openai"
)

// Settings are the process-wide knobs shared by every adapter.
type Settings struct {
	HTTPClient       *http.Client
	Timeout          time.Duration
	WebSearchTrigger *string
	Logger           *slog.Logger
}

// NewHTTPClient returns the client adapters share. It has no overall
// timeout since streams are bounded by their request context instead.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: provider.DefaultTimeout,
		},
	}
}

// New builds the adapter for cfg. The vendor set is closed, so every
// provider.Type has exactly one case here.
func New(cfg provider.Config, apiKey string, s Settings) (provider.Adapter, error) {
	opts := provider.Options{
		Type:             cfg.Type,
		Endpoint:         cfg.Endpoint,
		Model:            cfg.Model,
		APIKey:           apiKey,
		HTTPClient:       s.HTTPClient,
		Timeout:          s.Timeout,
		WebSearchTrigger: s.WebSearchTrigger,
		Logger:           s.Logger,
	}

	switch cfg.Type {
	case provider.TypeOllama:
		return ollama.New(opts), nil
	case provider.TypeAnthropic:
		return claude.New(opts), nil
	case provider.TypeGemini:
		return gemini.New(opts), nil
	case provider.TypeOpenAI, provider.TypeQwen, provider.TypeCustom:
		return openai.New(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
