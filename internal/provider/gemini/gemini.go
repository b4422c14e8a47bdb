package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/stream"
)

const defaultTopK = 40

// Client speaks the Gemini generateContent API.
type Client struct {
	opts     provider.Options
	streamer provider.Streamer
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	Tools             []geminiTool     `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

func New(opts provider.Options) *Client {
	opts.Type = provider.TypeGemini
	return &Client{opts: opts.WithDefaults()}
}

func (c *Client) Type() provider.Type { return provider.TypeGemini }

func (c *Client) Model() string { return c.opts.Model }

func (c *Client) IsConfigured() bool {
	return c.opts.APIKey != "" && c.opts.Model != ""
}

func (c *Client) ChatStream(ctx context.Context, req provider.Request, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, t := range req.History {
		contents = append(contents, geminiContent{
			Role:  mapRole(t.Role),
			Parts: []geminiPart{{Text: t.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Message}},
	})

	c.send(ctx, c.mapRequest(req.SystemPrompt, contents, req.Generation), onUpdate, onComplete)
}

func (c *Client) AnalyzeImageStream(ctx context.Context, req provider.ImageRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	if !c.IsConfigured() {
		c.streamer.Fail(ctx, provider.ErrNotConfigured, onComplete)
		return
	}
	contents := []geminiContent{{
		Role: "user",
		Parts: []geminiPart{
			{InlineData: &inlineData{MimeType: provider.ImageMediaType(req.ImageBase64), Data: req.ImageBase64}},
			{Text: req.Question},
		},
	}}

	c.send(ctx, c.mapRequest(req.SystemPrompt, contents, req.Generation), onUpdate, onComplete)
}

func mapRole(role string) string {
	if role == provider.RoleUser {
		return "user"
	}
	return "model"
}

func (c *Client) mapRequest(system string, contents []geminiContent, gen provider.GenerationConfig) geminiRequest {
	r := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: gen.MaxTokens,
			Temperature:     gen.Temperature,
			TopP:            gen.TopP,
			TopK:            defaultTopK,
		},
	}
	if system != "" {
		r.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if gen.EnableWebSearch {
		r.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}
	return r
}

func (c *Client) send(ctx context.Context, body geminiRequest, onUpdate provider.UpdateFunc, onComplete provider.CompleteFunc) {
	c.opts.Logger.Debug("gemini stream", "model", c.opts.Model, "contents", len(body.Contents), "tools", len(body.Tools))

	endpoint := c.modelURL(":streamGenerateContent")
	c.streamer.Launch(ctx, c.opts, stream.NewArrayDecoder(), onUpdate, onComplete, func(ctx context.Context) (*http.Request, error) {
		return provider.NewJSONRequest(ctx, http.MethodPost, endpoint, body)
	})
}

func (c *Client) CheckHealth(ctx context.Context, onResult func(bool)) {
	provider.CheckAsync(ctx, onResult, func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelURL(""), nil)
		if err != nil {
			return false
		}
		status, _, err := provider.Probe(ctx, c.opts.HTTPClient, req)
		if err != nil {
			c.opts.Logger.Debug("gemini health probe failed", "error", err)
			return false
		}
		if status == http.StatusNotFound {
			c.opts.Logger.Info("gemini model not found", "model", c.opts.Model)
		}
		return status == http.StatusOK
	})
}

func (c *Client) CancelCurrentRequest() {
	c.streamer.Cancel()
}

func (c *Client) modelURL(method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s%s?key=%s",
		provider.TrimEndpoint(c.opts.Endpoint),
		url.PathEscape(c.opts.Model),
		method,
		url.QueryEscape(c.opts.APIKey),
	)
}
