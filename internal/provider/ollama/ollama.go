package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/stream"
)

// Client talks to a local Ollama server.
type Client struct {
	opts     provider.Options
	streamer provider.Streamer
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func New(opts provider.Options) *Client {
	opts.Type = provider.TypeOllama
	return &Client{opts: opts.WithDefaults()}
}

func (c *Client) Type() provider.Type { return provider.TypeOllama }

func (c *Client) Model() string { return c.opts.Model }

// IsConfigured only needs a model; a local server takes no key.
func (c *Client) IsConfigured() bool {
	return c.opts.Model != ""
}

func (c *Client) ChatStream(ctx context.Context, req provider.Request, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	body := c.mapRequest(req)
	c.opts.Logger.Debug("ollama chat stream", "model", body.Model, "messages", len(body.Messages))

	c.streamer.Launch(ctx, c.opts, stream.NewNDJSONDecoder(), onUpdate, onComplete, func(ctx context.Context) (*http.Request, error) {
		return provider.NewJSONRequest(ctx, http.MethodPost, c.url("/api/chat"), body)
	})
}

func (c *Client) mapRequest(req provider.Request) chatRequest {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		switch t.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
			messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
		}
	}
	messages = append(messages, chatMessage{Role: provider.RoleUser, Content: req.Message})

	return chatRequest{
		Model:    c.opts.Model,
		Messages: messages,
		Stream:   true,
	}
}

func (c *Client) AnalyzeImageStream(ctx context.Context, req provider.ImageRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	prompt := req.Question
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Question
	}
	body := generateRequest{
		Model:  c.opts.Model,
		Prompt: prompt,
		Images: []string{req.ImageBase64},
		Stream: true,
	}

	c.streamer.Launch(ctx, c.opts, stream.NewNDJSONDecoder(), onUpdate, onComplete, func(ctx context.Context) (*http.Request, error) {
		return provider.NewJSONRequest(ctx, http.MethodPost, c.url("/api/generate"), body)
	})
}

func (c *Client) CheckHealth(ctx context.Context, onResult func(bool)) {
	provider.CheckAsync(ctx, onResult, func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tags"), nil)
		if err != nil {
			return false
		}
		status, _, err := provider.Probe(ctx, c.opts.HTTPClient, req)
		if err != nil {
			c.opts.Logger.Debug("ollama health probe failed", "error", err)
			return false
		}
		return status == http.StatusOK
	})
}

// ListModels returns the names of the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.DefaultHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tags"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &provider.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags (status %d): %w", resp.StatusCode, provider.ErrInvalidResponse)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) CancelCurrentRequest() {
	c.streamer.Cancel()
}

func (c *Client) url(path string) string {
	return provider.TrimEndpoint(c.opts.Endpoint) + path
}
