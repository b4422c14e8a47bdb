package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type Type string

const (
	TypeOllama    Type = "ollama"
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGemini    Type = "gemini"
	TypeQwen      Type = "qwen"
	TypeCustom    Type = "custom"
)

// Info is the static metadata carried by every provider type.
type Info struct {
	DisplayName       string
	DefaultEndpoint   string
	DefaultModel      string
	RecommendedModels []string
	DefaultMaxTokens  int
	RequiresAPIKey    bool
	SupportsVision    bool
}

var infos = map[Type]Info{
	TypeOllama: {
		DisplayName:       "Ollama (local)",
		DefaultEndpoint:   "http://localhost:11434",
		RecommendedModels: []string{"gemma3:4b-it-qat", "gemma3:12b-it-qat", "qwen3:4b", "llava:7b"},
		DefaultMaxTokens:  4096,
		RequiresAPIKey:    false,
		SupportsVision:    true,
	},
	TypeOpenAI: {
		DisplayName:       "OpenAI",
		DefaultEndpoint:   "https://api.openai.com",
		RecommendedModels: []string{"gpt-4o", "gpt-4o-mini", "gpt-5-mini"},
		DefaultMaxTokens:  8192,
		RequiresAPIKey:    true,
		SupportsVision:    true,
	},
	TypeAnthropic: {
		DisplayName:       "Claude (Anthropic)",
		DefaultEndpoint:   "https://api.anthropic.com",
		RecommendedModels: []string{"claude-sonnet-4-5", "claude-haiku-4-5", "claude-opus-4-1"},
		DefaultMaxTokens:  16384,
		RequiresAPIKey:    true,
		SupportsVision:    true,
	},
	TypeGemini: {
		DisplayName:       "Google Gemini",
		DefaultEndpoint:   "https://generativelanguage.googleapis.com",
		RecommendedModels: []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash"},
		DefaultMaxTokens:  65536,
		RequiresAPIKey:    true,
		SupportsVision:    true,
	},
	TypeQwen: {
		DisplayName:       "Qwen",
		DefaultEndpoint:   "https://dashscope.aliyuncs.com/compatible-mode",
		RecommendedModels: []string{"qwen-plus", "qwen3-max", "qwen-vl-max"},
		DefaultMaxTokens:  8192,
		RequiresAPIKey:    true,
		SupportsVision:    true,
	},
	TypeCustom: {
		DisplayName:       "Custom (OpenAI compatible)",
		DefaultEndpoint:   "",
		RecommendedModels: []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet-latest", "deepseek-chat"},
		DefaultMaxTokens:  8192,
		RequiresAPIKey:    true,
		SupportsVision:    true,
	},
}

// Types returns every provider type in display order.
func Types() []Type {
	return []Type{TypeOllama, TypeOpenAI, TypeAnthropic, TypeGemini, TypeQwen, TypeCustom}
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := infos[t]; !ok {
		return "", fmt.Errorf("unknown provider type %q", s)
	}
	return t, nil
}

func (t Type) Info() Info {
	info := infos[t]
	if len(info.RecommendedModels) > 0 {
		info.DefaultModel = info.RecommendedModels[0]
	}
	return info
}

func (t Type) String() string {
	return string(t)
}

// Config is the mutable, persisted configuration of one provider type.
type Config struct {
	Type            Type    `json:"type" yaml:"type"`
	Endpoint        string  `json:"endpoint" yaml:"endpoint"`
	Model           string  `json:"model" yaml:"model"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	EnableWebSearch bool    `json:"enable_web_search" yaml:"enable_web_search"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	TopP            float64 `json:"top_p" yaml:"top_p"`
}

func DefaultConfig(t Type) Config {
	info := t.Info()
	return Config{
		Type:            t,
		Endpoint:        info.DefaultEndpoint,
		Model:           info.DefaultModel,
		Enabled:         true,
		EnableWebSearch: true,
		MaxTokens:       info.DefaultMaxTokens,
		Temperature:     1.0,
		TopP:            0.95,
	}
}

func (c Config) Validate() error {
	if _, err := ParseType(string(c.Type)); err != nil {
		return err
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("provider %s: temperature must be within [0, 2], got %v", c.Type, c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("provider %s: top_p must be within [0, 1], got %v", c.Type, c.TopP)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("provider %s: max_tokens must not be negative, got %d", c.Type, c.MaxTokens)
	}
	return nil
}

func (c Config) Generation() GenerationConfig {
	return GenerationConfig{
		MaxTokens:       c.MaxTokens,
		Temperature:     c.Temperature,
		TopP:            c.TopP,
		EnableWebSearch: c.EnableWebSearch,
	}
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationConfig struct {
	MaxTokens       int
	Temperature     float64
	TopP            float64
	EnableWebSearch bool
}

// Request is the vendor-neutral shape of a chat call.
type Request struct {
	Message      string
	History      []Turn
	SystemPrompt string
	Generation   GenerationConfig
}

type ImageRequest struct {
	ImageBase64  string
	Question     string
	SystemPrompt string
	Generation   GenerationConfig
}

// UpdateFunc receives the whole accumulated response text so far.
type UpdateFunc func(text string)

// CompleteFunc fires exactly once per stream with the final text or an error.
type CompleteFunc func(text string, err error)

// Adapter is implemented once per vendor protocol.
//
// A stream call never blocks: it returns immediately and reports progress through
// the callbacks. Only one stream is live per adapter; starting another cancels the
// previous one. Callbacks are serialized. CancelCurrentRequest may be called from
// inside onUpdate; onComplete then follows once onUpdate returns.
type Adapter interface {
	Type() Type
	Model() string
	IsConfigured() bool
	ChatStream(ctx context.Context, req Request, onUpdate UpdateFunc, onComplete CompleteFunc)
	AnalyzeImageStream(ctx context.Context, req ImageRequest, onUpdate UpdateFunc, onComplete CompleteFunc)
	CheckHealth(ctx context.Context, onResult func(bool))
	CancelCurrentRequest()
}

const (
	DefaultTimeout       = 120 * time.Second
	MinTimeout           = 60 * time.Second
	DefaultHealthTimeout = 10 * time.Second
)

// Options carries what an adapter needs to reach its vendor.
type Options struct {
	Type     Type
	Endpoint string
	Model    string
	APIKey   string

	HTTPClient *http.Client
	// Timeout bounds a whole streaming request. Zero means DefaultTimeout.
	Timeout time.Duration
	// WebSearchTrigger is prefixed to user messages on gateways that enable
	// search by keyword instead of a tool declaration. Nil selects the
	// adapter default; an empty string sends no prefix.
	WebSearchTrigger *string
	Logger           *slog.Logger
}

func (o Options) WithDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Endpoint == "" {
		o.Endpoint = o.Type.Info().DefaultEndpoint
	}
	return o
}
