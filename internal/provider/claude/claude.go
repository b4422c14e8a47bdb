package claude

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/stream"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
	webSearchMaxUses = 3
)

// Client speaks the Anthropic Messages API.
type Client struct {
	opts     provider.Options
	streamer provider.Streamer
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type claudeContent struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

func New(opts provider.Options) *Client {
	opts.Type = provider.TypeAnthropic
	return &Client{opts: opts.WithDefaults()}
}

func (c *Client) Type() provider.Type { return provider.TypeAnthropic }

func (c *Client) Model() string { return c.opts.Model }

func (c *Client) IsConfigured() bool {
	return c.opts.APIKey != "" && c.opts.Model != ""
}

func (c *Client) ChatStream(ctx context.Context, req provider.Request, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	messages := make([]claudeMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		messages = append(messages, claudeMessage{Role: mapRole(t.Role), Content: t.Content})
	}
	messages = append(messages, claudeMessage{Role: provider.RoleUser, Content: req.Message})

	c.send(ctx, c.mapRequest(req.SystemPrompt, messages, req.Generation), onUpdate, onComplete)
}

func (c *Client) AnalyzeImageStream(ctx context.Context, req provider.ImageRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	content := []claudeContent{
		{
			Type: "image",
			Source: &claudeSource{
				Type:      "base64",
				MediaType: provider.ImageMediaType(req.ImageBase64),
				Data:      req.ImageBase64,
			},
		},
		{Type: "text", Text: req.Question},
	}
	messages := []claudeMessage{{Role: provider.RoleUser, Content: content}}

	c.send(ctx, c.mapRequest(req.SystemPrompt, messages, req.Generation), onUpdate, onComplete)
}

// mapRole keeps user turns and coerces every other role to assistant.
func mapRole(role string) string {
	if role == provider.RoleUser {
		return provider.RoleUser
	}
	return provider.RoleAssistant
}

func (c *Client) mapRequest(system string, messages []claudeMessage, gen provider.GenerationConfig) claudeRequest {
	maxTokens := gen.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := gen.Temperature

	r := claudeRequest{
		Model:       c.opts.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Stream:      true,
		Temperature: &temperature,
	}
	if gen.TopP > 0 && gen.TopP < 1 {
		topP := gen.TopP
		r.TopP = &topP
	}
	if gen.EnableWebSearch {
		r.Tools = []claudeTool{{Type: "web_search_20250305", Name: "web_search", MaxUses: webSearchMaxUses}}
	}
	return r
}

func (c *Client) send(ctx context.Context, body claudeRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	c.opts.Logger.Debug("claude stream", "model", body.Model, "messages", len(body.Messages), "tools", len(body.Tools))

	c.streamer.Launch(ctx, c.opts, stream.NewSSEDecoder(), onUpdate, onComplete, func(ctx context.Context) (*http.Request, error) {
		req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.url(), body)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return req, nil
	})
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// CheckHealth sends a one-token completion. Only a request error naming the
// model, a 5xx or a transport failure count as unhealthy; other 4xx such as
// rate limiting still prove the key and model are usable.
func (c *Client) CheckHealth(ctx context.Context, onResult func(bool)) {
	provider.CheckAsync(ctx, onResult, func(ctx context.Context) bool {
		body := claudeRequest{
			Model:     c.opts.Model,
			MaxTokens: 1,
			Messages:  []claudeMessage{{Role: provider.RoleUser, Content: "hi"}},
		}
		req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.url(), body)
		if err != nil {
			return false
		}
		c.setHeaders(req)

		status, respBody, err := provider.Probe(ctx, c.opts.HTTPClient, req)
		if err != nil {
			c.opts.Logger.Debug("claude health probe failed", "error", err)
			return false
		}
		return healthFromResponse(status, respBody, c.opts.Model)
	})
}

func healthFromResponse(status int, body []byte, model string) bool {
	if status == http.StatusOK {
		return true
	}
	if status >= 500 {
		return false
	}
	errType := gjson.GetBytes(body, "error.type").String()
	if errType == "invalid_request_error" || errType == "not_found_error" {
		msg := strings.ToLower(gjson.GetBytes(body, "error.message").String())
		if strings.Contains(msg, "model") || (model != "" && strings.Contains(msg, strings.ToLower(model))) {
			return false
		}
	}
	return true
}

func (c *Client) CancelCurrentRequest() {
	c.streamer.Cancel()
}

func (c *Client) url() string {
	return provider.TrimEndpoint(c.opts.Endpoint) + "/v1/messages"
}
