package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/stream"
)

const (
	// DefaultWebSearchTrigger is the keyword gateways commonly watch for to
	// turn on browsing.
	DefaultWebSearchTrigger = "@web "

	claudeDefaultMaxTokens = 4096
)

// Client speaks the OpenAI chat completions protocol. It serves OpenAI,
// Qwen's compatible mode and arbitrary custom gateways.
type Client struct {
	typ      provider.Type
	opts     provider.Options
	trigger  string
	streamer provider.Streamer
}

type openAIRequest struct {
	Model        string          `json:"model"`
	System       string          `json:"system,omitempty"`
	Messages     []openAIMessage `json:"messages"`
	Stream       bool            `json:"stream"`
	MaxTokens    int             `json:"max_tokens,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	TopP         *float64        `json:"top_p,omitempty"`
	Tools        []openAITool    `json:"tools,omitempty"`
	EnableSearch bool            `json:"enable_search,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type string `json:"type"`
}

// New builds a client for opts.Type, which must be openai, qwen or custom.
// Any other type is treated as custom.
func New(opts provider.Options) *Client {
	switch opts.Type {
	case provider.TypeOpenAI, provider.TypeQwen, provider.TypeCustom:
	default:
		opts.Type = provider.TypeCustom
	}
	opts = opts.WithDefaults()
	trigger := DefaultWebSearchTrigger
	if opts.WebSearchTrigger != nil {
		trigger = *opts.WebSearchTrigger
	}
	return &Client{typ: opts.Type, opts: opts, trigger: trigger}
}

func (c *Client) Type() provider.Type { return c.typ }

func (c *Client) Model() string { return c.opts.Model }

func (c *Client) IsConfigured() bool {
	return c.opts.APIKey != "" && c.opts.Model != "" && c.opts.Endpoint != ""
}

func (c *Client) isClaude() bool {
	return strings.Contains(strings.ToLower(c.opts.Model), "claude")
}

func (c *Client) ChatStream(ctx context.Context, req provider.Request, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	message := req.Message
	if c.typ == provider.TypeCustom && req.Generation.EnableWebSearch && !c.isClaude() {
		message = c.trigger + message
	}

	messages := make([]openAIMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		switch t.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
			messages = append(messages, openAIMessage{Role: t.Role, Content: t.Content})
		}
	}
	messages = append(messages, openAIMessage{Role: provider.RoleUser, Content: message})

	c.send(ctx, c.mapRequest(messages, req.Generation), onUpdate, onComplete)
}

func (c *Client) AnalyzeImageStream(ctx context.Context, req provider.ImageRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{
		Role: provider.RoleUser,
		Content: []contentPart{
			{Type: "text", Text: req.Question},
			{Type: "image_url", ImageURL: &imageURL{URL: provider.DataURL(req.ImageBase64)}},
		},
	})

	c.send(ctx, c.mapRequest(messages, req.Generation), onUpdate, onComplete)
}

func (c *Client) mapRequest(messages []openAIMessage, gen provider.GenerationConfig) openAIRequest {
	r := openAIRequest{
		Model:    c.opts.Model,
		Messages: messages,
		Stream:   true,
	}

	if c.typ != provider.TypeCustom {
		if gen.MaxTokens > 0 {
			r.MaxTokens = gen.MaxTokens
		}
		if gen.Temperature != 1.0 {
			temperature := gen.Temperature
			r.Temperature = &temperature
		}
		if gen.TopP > 0 && gen.TopP < 1 {
			topP := gen.TopP
			r.TopP = &topP
		}
		if gen.EnableWebSearch {
			switch c.typ {
			case provider.TypeOpenAI:
				r.Tools = []openAITool{{Type: "web_search"}}
			case provider.TypeQwen:
				r.EnableSearch = true
			}
		}
	}

	if c.isClaude() {
		hoistSystem(&r)
		r.MaxTokens = gen.MaxTokens
		if r.MaxTokens <= 0 {
			r.MaxTokens = claudeDefaultMaxTokens
		}
	}
	return r
}

// hoistSystem moves system turns into the top-level system field, which is
// where Claude models behind a compatible gateway expect them.
func hoistSystem(r *openAIRequest) {
	var system []string
	kept := r.Messages[:0:0]
	for _, m := range r.Messages {
		if m.Role == provider.RoleSystem {
			if s, ok := m.Content.(string); ok && s != "" {
				system = append(system, s)
			}
			continue
		}
		kept = append(kept, m)
	}
	r.Messages = kept
	r.System = strings.TrimSpace(strings.Join(system, "\n"))
}

func (c *Client) send(ctx context.Context, body openAIRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	c.opts.Logger.Debug("openai-compatible stream",
		"type", c.typ,
		"model", body.Model,
		"messages", len(body.Messages),
		"claude_shape", c.isClaude(),
	)

	c.streamer.Launch(ctx, c.opts, stream.NewSSEDecoder(), onUpdate, onComplete, func(ctx context.Context) (*http.Request, error) {
		req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.url("/v1/chat/completions"), body)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return req, nil
	})
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.opts.APIKey))
}

// CheckHealth lists models first. Gateways that do not expose /v1/models get
// a one-token dry run instead, where any 2xx counts as healthy.
func (c *Client) CheckHealth(ctx context.Context, onResult func(bool)) {
	provider.CheckAsync(ctx, onResult, func(ctx context.Context) bool {
		if c.opts.Endpoint == "" {
			return false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/models"), nil)
		if err != nil {
			return false
		}
		c.authorize(req)
		status, _, err := provider.Probe(ctx, c.opts.HTTPClient, req)
		if err == nil && status == http.StatusOK {
			return true
		}
		c.opts.Logger.Debug("model list unavailable, trying dry run", "type", c.typ, "status", status, "error", err)
		return c.dryRun(ctx)
	})
}

func (c *Client) dryRun(ctx context.Context) bool {
	body := openAIRequest{
		Model:     c.opts.Model,
		Messages:  []openAIMessage{{Role: provider.RoleUser, Content: "hi"}},
		MaxTokens: 1,
	}
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.url("/v1/chat/completions"), body)
	if err != nil {
		return false
	}
	c.authorize(req)
	status, _, err := provider.Probe(ctx, c.opts.HTTPClient, req)
	if err != nil {
		return false
	}
	return status >= 200 && status < 300
}

func (c *Client) CancelCurrentRequest() {
	c.streamer.Cancel()
}

func (c *Client) url(path string) string {
	return provider.TrimEndpoint(c.opts.Endpoint) + path
}
