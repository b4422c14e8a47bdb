package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	ErrNotConfigured   = errors.New("provider not configured")
	ErrInvalidAPIKey   = errors.New("invalid api key")
	ErrInvalidResponse = errors.New("invalid response from provider")
	ErrRateLimited     = errors.New("rate limited")
	ErrModelNotFound   = errors.New("model not found")
	ErrCancelled       = errors.New("request cancelled")
)

// NetworkError wraps a transport-level failure, timeouts included.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError carries a message reported by the vendor.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

type Kind string

const (
	KindNone            Kind = ""
	KindNotConfigured   Kind = "not_configured"
	KindInvalidAPIKey   Kind = "invalid_api_key"
	KindNetwork         Kind = "network_error"
	KindInvalidResponse Kind = "invalid_response"
	KindRateLimited     Kind = "rate_limited"
	KindModelNotFound   Kind = "model_not_found"
	KindServer          Kind = "server_error"
	KindCancelled       Kind = "cancelled"
)

// KindOf classifies err into the provider error taxonomy. Unknown errors are
// reported as server errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var netErr *NetworkError
	var srvErr *ServerError
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrInvalidAPIKey):
		return KindInvalidAPIKey
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrModelNotFound):
		return KindModelNotFound
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &srvErr):
		return KindServer
	default:
		return KindServer
	}
}

// FromHTTPStatus maps a non-2xx vendor response onto the taxonomy.
func FromHTTPStatus(statusCode int, body []byte) error {
	msg := ErrorMessage(body)
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &ServerError{StatusCode: statusCode, Message: msg}
}

// ErrorMessage extracts a vendor error message from a response body. It
// understands {"error":{"message":..}}, {"error":".."} and Gemini's
// [{"error":{..}}] wrapping, falling back to a short body preview.
func ErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	if gjson.Valid(trimmed) {
		root := gjson.Parse(trimmed)
		if root.IsArray() {
			root = root.Get("0")
		}
		if m := root.Get("error.message"); m.Exists() {
			return m.String()
		}
		if e := root.Get("error"); e.Type == gjson.String {
			return e.String()
		}
		if m := root.Get("message"); m.Type == gjson.String {
			return m.String()
		}
	}
	const maxPreview = 280
	if len(trimmed) > maxPreview {
		cut := maxPreview
		for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
			cut--
		}
		return trimmed[:cut] + "..."
	}
	return trimmed
}
