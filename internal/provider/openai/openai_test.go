package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/provider/providertest"
)

const wait = 5 * time.Second

func sseServer(t *testing.T, bodies chan<- []byte, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected /v1/chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected Authorization %q", r.Header.Get("Authorization"))
		}
		b, _ := io.ReadAll(r.Body)
		if bodies != nil {
			bodies <- b
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
			w.(http.Flusher).Flush()
		}
	}))
}

func run(t *testing.T, c *Client, req provider.Request) (*providertest.Recorder, string, error) {
	t.Helper()
	rec := providertest.NewRecorder()
	c.ChatStream(context.Background(), req, rec.OnUpdate, rec.OnComplete)
	text, err := rec.Wait(t, wait)
	return rec, text, err
}

func TestChatStream_SplitFrames(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"id":"1","choices":[{"delta":{"role":"assistant","content":"Hel`,
		`lo"}}]}`+"\n\n",
		`data: {"id":"1","choices":[{"delta":{"content":" world"}}]}`+"\n\n",
		"data: [DONE]\n\n",
	)
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	rec, text, err := run(t, c, provider.Request{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("Expected 'Hello world', got %q", text)
	}
	u := rec.Updates()
	if len(u) != 2 || u[0] != "Hello" || u[1] != "Hello world" {
		t.Errorf("Expected [Hello, Hello world], got %q", u)
	}
}

func TestChatStream_CustomWebTrigger(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, bodies, `data: {"choices":[{"delta":{"content":"news"}}]}`+"\n\n", "data: [DONE]\n\n")
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeCustom, Endpoint: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	_, _, err := run(t, c, provider.Request{
		Message:    "what's new",
		Generation: provider.GenerationConfig{MaxTokens: 8192, Temperature: 0.5, TopP: 0.9, EnableWebSearch: true},
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	body := <-bodies
	if got := gjson.GetBytes(body, "messages.0.content").String(); got != "@web what's new" {
		t.Errorf("Expected trigger prefix, got %q", got)
	}
	for _, field := range []string{"tools", "max_tokens", "temperature", "top_p", "enable_search"} {
		if gjson.GetBytes(body, field).Exists() {
			t.Errorf("Expected no %s on a custom gateway, got %s", field, gjson.GetBytes(body, field).Raw)
		}
	}
}

func TestChatStream_CustomTriggerConfigurable(t *testing.T) {
	tests := []struct {
		name    string
		trigger string
		want    string
	}{
		{"custom keyword", "#search ", "#search q"},
		{"disabled", "", "q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bodies := make(chan []byte, 1)
			server := sseServer(t, bodies, "data: [DONE]\n\n")
			defer server.Close()

			trigger := tt.trigger
			c := New(provider.Options{Type: provider.TypeCustom, Endpoint: server.URL, APIKey: "test-key", Model: "deepseek-chat", WebSearchTrigger: &trigger})
			run(t, c, provider.Request{Message: "q", Generation: provider.GenerationConfig{EnableWebSearch: true}})

			body := <-bodies
			if got := gjson.GetBytes(body, "messages.0.content").String(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			if gjson.GetBytes(body, "tools").Exists() {
				t.Error("Expected no tools on a custom gateway")
			}
		})
	}
}

func TestChatStream_ClaudeOnGateway(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, bodies, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`+"\n\n")
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeCustom, Endpoint: server.URL, APIKey: "test-key", Model: "claude-3-5-sonnet-latest"})
	_, text, err := run(t, c, provider.Request{
		Message:      "what's new",
		SystemPrompt: "Be a cat.",
		History:      []provider.Turn{{Role: "user", Content: "a"}, {Role: "function", Content: "x"}, {Role: "assistant", Content: "b"}},
		Generation:   provider.GenerationConfig{EnableWebSearch: true},
	})
	if err != nil || text != "hi" {
		t.Fatalf("Expected 'hi', got %q (%v)", text, err)
	}

	body := <-bodies
	if got := gjson.GetBytes(body, "system").String(); got != "Be a cat." {
		t.Errorf("Expected hoisted system, got %q", got)
	}
	if got := gjson.GetBytes(body, "max_tokens").Int(); got != 4096 {
		t.Errorf("Expected forced max_tokens 4096, got %d", got)
	}
	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if r := m.Get("role").String(); r != "user" && r != "assistant" {
			t.Errorf("unexpected role %s", r)
		}
	}
	if got := msgs[2].Get("content").String(); got != "what's new" {
		t.Errorf("Expected no trigger prefix for claude, got %q", got)
	}
}

func TestChatStream_OpenAIParams(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, bodies, "data: [DONE]\n\n")
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	run(t, c, provider.Request{
		Message:      "hi",
		SystemPrompt: "sys",
		History:      []provider.Turn{{Role: "tool", Content: "dropped"}, {Role: "assistant", Content: "kept"}},
		Generation:   provider.GenerationConfig{MaxTokens: 100, Temperature: 0.7, TopP: 0.9, EnableWebSearch: true},
	})

	body := <-bodies
	if gjson.GetBytes(body, "max_tokens").Int() != 100 {
		t.Error("Expected max_tokens 100")
	}
	if gjson.GetBytes(body, "temperature").Float() != 0.7 {
		t.Error("Expected temperature 0.7")
	}
	if gjson.GetBytes(body, "top_p").Float() != 0.9 {
		t.Error("Expected top_p 0.9")
	}
	if got := gjson.GetBytes(body, "tools.0.type").String(); got != "web_search" {
		t.Errorf("Expected web_search tool, got %q", got)
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		t.Error("Expected stream:true")
	}
	roles := gjson.GetBytes(body, "messages.#.role").Array()
	if len(roles) != 3 || roles[0].String() != "system" || roles[1].String() != "assistant" {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestChatStream_DefaultTemperatureOmitted(t *testing.T) {
	c := New(provider.Options{Type: provider.TypeOpenAI, APIKey: "k", Model: "gpt-4o"})
	r := c.mapRequest(nil, provider.GenerationConfig{Temperature: 1.0, TopP: 1.0})
	if r.Temperature != nil || r.TopP != nil || r.MaxTokens != 0 {
		t.Errorf("Expected defaults to be omitted, got %+v", r)
	}
}

func TestChatStream_QwenSearch(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, bodies, "data: [DONE]\n\n")
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeQwen, Endpoint: server.URL, APIKey: "test-key", Model: "qwen-plus"})
	run(t, c, provider.Request{Message: "hi", Generation: provider.GenerationConfig{EnableWebSearch: true}})

	body := <-bodies
	if !gjson.GetBytes(body, "enable_search").Bool() {
		t.Error("Expected enable_search for qwen")
	}
	if gjson.GetBytes(body, "tools").Exists() {
		t.Error("Expected no tools for qwen")
	}
}

func TestAnalyzeImageStream(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, bodies, `data: {"choices":[{"delta":{"content":"a chart"}}]}`+"\n\n", "data: [DONE]\n\n")
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	rec := providertest.NewRecorder()
	c.AnalyzeImageStream(context.Background(), provider.ImageRequest{ImageBase64: "aGVsbG8=", Question: "what?", SystemPrompt: "sys"}, rec.OnUpdate, rec.OnComplete)
	if text, err := rec.Wait(t, wait); err != nil || text != "a chart" {
		t.Fatalf("Expected 'a chart', got %q (%v)", text, err)
	}

	body := <-bodies
	if got := gjson.GetBytes(body, "messages.1.content.1.image_url.url").String(); got != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("unexpected image url %q", got)
	}
}

func TestChatStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, provider.ErrInvalidAPIKey},
		{http.StatusTooManyRequests, provider.ErrRateLimited},
		{http.StatusNotFound, provider.ErrModelNotFound},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			}))
			defer server.Close()

			c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "k", Model: "gpt-4o"})
			if _, _, err := run(t, c, provider.Request{Message: "hi"}); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCancelCurrentRequest_Twice(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "k", Model: "gpt-4o"})
	rec := providertest.NewRecorder()
	c.ChatStream(context.Background(), provider.Request{Message: "hi"}, rec.OnUpdate, rec.OnComplete)

	rec.NextUpdate(t, wait)
	c.CancelCurrentRequest()
	c.CancelCurrentRequest()

	if _, err := rec.Wait(t, wait); !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.Completions() != 1 {
		t.Errorf("Expected exactly one completion, got %d", rec.Completions())
	}
	if u := rec.Updates(); len(u) != 1 {
		t.Errorf("Expected no updates after cancellation, got %q", u)
	}
}

func TestCancelCurrentRequest_FromUpdate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"enough"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := New(provider.Options{Type: provider.TypeOpenAI, Endpoint: server.URL, APIKey: "k", Model: "gpt-4o"})
	rec := providertest.NewRecorder()
	onUpdate := func(text string) {
		rec.OnUpdate(text)
		if text == "enough" {
			c.CancelCurrentRequest()
		}
	}
	c.ChatStream(context.Background(), provider.Request{Message: "hi"}, onUpdate, rec.OnComplete)

	if _, err := rec.Wait(t, wait); !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.Completions() != 1 {
		t.Errorf("Expected exactly one completion, got %d", rec.Completions())
	}
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		modelsCode int
		chatCode   int
		want       bool
	}{
		{"models ok", http.StatusOK, http.StatusInternalServerError, true},
		{"dry run ok", http.StatusNotFound, http.StatusOK, true},
		{"both fail", http.StatusNotFound, http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/v1/models":
					w.WriteHeader(tt.modelsCode)
				case "/v1/chat/completions":
					body, _ := io.ReadAll(r.Body)
					if gjson.GetBytes(body, "max_tokens").Int() != 1 {
						t.Errorf("Expected a one-token dry run, got %s", body)
					}
					w.WriteHeader(tt.chatCode)
				}
			}))
			defer server.Close()

			c := New(provider.Options{Type: provider.TypeCustom, Endpoint: server.URL, APIKey: "k", Model: "gpt-4o"})
			result := make(chan bool, 1)
			c.CheckHealth(context.Background(), func(ok bool) { result <- ok })
			if got := <-result; got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsConfigured(t *testing.T) {
	tests := []struct {
		name string
		opts provider.Options
		want bool
	}{
		{"openai no key", provider.Options{Type: provider.TypeOpenAI, Model: "gpt-4o"}, false},
		{"openai", provider.Options{Type: provider.TypeOpenAI, APIKey: "k", Model: "gpt-4o"}, true},
		{"qwen no model", provider.Options{Type: provider.TypeQwen, APIKey: "k"}, false},
		{"custom no endpoint", provider.Options{Type: provider.TypeCustom, APIKey: "k", Model: "gpt-4o"}, false},
		{"custom", provider.Options{Type: provider.TypeCustom, Endpoint: "https://gw.example", APIKey: "k", Model: "gpt-4o"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.opts).IsConfigured(); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
