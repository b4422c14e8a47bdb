package claude

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

func TestChatStream_Mock(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("unexpected anthropic-version %q", r.Header.Get("anthropic-version"))
		}
		b, _ := io.ReadAll(r.Body)
		bodies <- b

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"id":"msg_1","role":"assistant"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world!"}}`+"\n\n")
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`+"\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	c := New(provider.Options{Endpoint: server.URL, APIKey: "test-key", Model: "claude-sonnet-4-5"})
	rec := providertest.NewRecorder()
	c.ChatStream(context.Background(), provider.Request{
		Message:      "hi",
		SystemPrompt: "You are a cat.",
		History: []provider.Turn{
			{Role: "user", Content: "earlier"},
			{Role: "system", Content: "stray"},
			{Role: "tool", Content: "result"},
		},
		Generation: provider.GenerationConfig{MaxTokens: 0, Temperature: 0.7, TopP: 0.95, EnableWebSearch: true},
	}, rec.OnUpdate, rec.OnComplete)

	text, err := rec.Wait(t, wait)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if text != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %q", text)
	}
	if u := rec.Updates(); len(u) != 2 || u[0] != "Hello" {
		t.Errorf("unexpected updates %q", u)
	}
	body := <-bodies

	if got := gjson.GetBytes(body, "max_tokens").Int(); got != 4096 {
		t.Errorf("Expected max_tokens 4096 when unset, got %d", got)
	}
	if got := gjson.GetBytes(body, "system").String(); got != "You are a cat." {
		t.Errorf("Expected top-level system, got %q", got)
	}
	roles := gjson.GetBytes(body, "messages.#.role").Array()
	want := []string{"user", "assistant", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(roles))
	}
	for i, r := range roles {
		if r.String() != want[i] {
			t.Errorf("message %d: expected role %s, got %s", i, want[i], r.String())
		}
	}
	if got := gjson.GetBytes(body, "tools.0.type").String(); got != "web_search_20250305" {
		t.Errorf("Expected web search tool, got %q", got)
	}
	if gjson.GetBytes(body, "web_search").Exists() || gjson.GetBytes(body, "enable_search").Exists() {
		t.Error("Expected web search only as a tool entry")
	}
	if got := gjson.GetBytes(body, "temperature").Float(); got != 0.7 {
		t.Errorf("Expected temperature 0.7, got %v", got)
	}
}

func TestMapRequest_MaxTokensAlwaysPresent(t *testing.T) {
	c := New(provider.Options{APIKey: "k", Model: "claude-haiku-4-5"})
	for _, mt := range []int{-1, 0, 512} {
		r := c.mapRequest("", nil, provider.GenerationConfig{MaxTokens: mt})
		if r.MaxTokens <= 0 {
			t.Errorf("max_tokens %d produced %d", mt, r.MaxTokens)
		}
		if r.Tools != nil {
			t.Error("Expected no tools without web search")
		}
	}
}

func TestAnalyzeImageStream_MediaType(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"A photo"}}`+"\n\n")
	}))
	defer server.Close()

	jpeg := "/9j/4AAQSkZJRgABAQAAAQABAAD"
	c := New(provider.Options{Endpoint: server.URL, APIKey: "k", Model: "claude-sonnet-4-5"})
	rec := providertest.NewRecorder()
	c.AnalyzeImageStream(context.Background(), provider.ImageRequest{ImageBase64: jpeg, Question: "what?"}, rec.OnUpdate, rec.OnComplete)

	if _, err := rec.Wait(t, wait); err != nil {
		t.Fatalf("AnalyzeImageStream failed: %v", err)
	}
	body := <-bodies
	if got := gjson.GetBytes(body, "messages.0.content.0.source.media_type").String(); got != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", got)
	}
	if got := gjson.GetBytes(body, "messages.0.content.1.text").String(); got != "what?" {
		t.Errorf("Expected question text block, got %q", got)
	}
}

func TestChatStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\n")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	c := New(provider.Options{Endpoint: server.URL, APIKey: "k", Model: "claude-sonnet-4-5"})
	rec := providertest.NewRecorder()
	c.ChatStream(context.Background(), provider.Request{Message: "hi"}, rec.OnUpdate, rec.OnComplete)

	_, err := rec.Wait(t, wait)
	if provider.KindOf(err) != provider.KindServer {
		t.Errorf("Expected server error, got %v", err)
	}
}

func TestIsConfigured(t *testing.T) {
	tests := []struct {
		key, model string
		want       bool
	}{
		{"", "claude-sonnet-4-5", false},
		{"k", "", false},
		{"k", "claude-sonnet-4-5", true},
	}
	for _, tt := range tests {
		c := New(provider.Options{APIKey: tt.key, Model: tt.model})
		if got := c.IsConfigured(); got != tt.want {
			t.Errorf("IsConfigured(key=%q, model=%q) = %v, want %v", tt.key, tt.model, got, tt.want)
		}
	}

	rec := providertest.NewRecorder()
	New(provider.Options{Model: "claude-sonnet-4-5"}).ChatStream(context.Background(), provider.Request{Message: "hi"}, rec.OnUpdate, rec.OnComplete)
	if _, err := rec.Wait(t, wait); !errors.Is(err, provider.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestHealthFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"ok", 200, `{"id":"msg_1"}`, true},
		{"model missing", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"model: claude-nope"}}`, false},
		{"not found", 404, `{"type":"error","error":{"type":"not_found_error","message":"model: claude-nope"}}`, false},
		{"other invalid request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"credit balance is too low"}}`, true},
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, true},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, false},
		{"server", 500, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthFromResponse(tt.status, []byte(tt.body), "claude-nope"); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "max_tokens").Int() != 1 {
			t.Errorf("Expected a one-token probe, got %s", body)
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"msg_1","content":[{"type":"text","text":"h"}]}`)
	}))
	defer server.Close()

	c := New(provider.Options{Endpoint: server.URL, APIKey: "k", Model: "claude-sonnet-4-5"})
	result := make(chan bool, 1)
	c.CheckHealth(context.Background(), func(ok bool) { result <- ok })

	select {
	case ok := <-result:
		if !ok {
			t.Error("Expected healthy")
		}
	case <-time.After(wait):
		t.Fatal("health check never resolved")
	}
}
