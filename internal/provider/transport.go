package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/companion/internal/stream"
)

const (
	readChunkSize = 4096
	maxErrorBody  = 64 << 10
)

// NewJSONRequest builds a request with body marshalled as JSON.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Stream performs one streaming exchange and drives sess to a terminal state.
// It blocks until the body is exhausted, the vendor reports an error, or the
// request context ends; adapters run it in its own goroutine.
func Stream(ctx context.Context, client *http.Client, req *http.Request, dec stream.Decoder, sess *Session) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		sess.Finish("", transportError(ctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		sess.Finish("", FromHTTPStatus(resp.StatusCode, body))
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if apply(sess, dec.Feed(buf[:n])) {
				return
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			sess.Finish("", transportError(ctx, rerr))
			return
		}
	}

	events, ferr := dec.Finish()
	if apply(sess, events) {
		return
	}
	text := sess.Text()
	if ferr != nil && text == "" {
		sess.Finish("", fmt.Errorf("%w: %v", ErrInvalidResponse, ferr))
		return
	}
	sess.Finish(CleanOutput(text), nil)
}

// Launch opens a new session on st and runs the exchange built by build on
// its own goroutine. A build failure finishes the session before Launch
// returns.
func (st *Streamer) Launch(parent context.Context, opts Options, dec stream.Decoder, onUpdate UpdateFunc, onComplete CompleteFunc, build func(ctx context.Context) (*http.Request, error)) {
	ctx, sess := st.Start(parent, opts.Timeout, onUpdate, onComplete)
	req, err := build(ctx)
	if err != nil {
		sess.Finish("", err)
		return
	}
	go Stream(ctx, opts.HTTPClient, req, dec, sess)
}

// Fail opens and immediately fails a session, cancelling whatever was in
// flight before it.
func (st *Streamer) Fail(parent context.Context, err error, onComplete CompleteFunc) {
	_, sess := st.Start(parent, DefaultTimeout, nil, onComplete)
	sess.Finish("", err)
}

// apply feeds decoder events into the session and reports whether the
// session has reached a terminal state.
func apply(sess *Session, events []stream.Event) bool {
	for _, ev := range events {
		switch ev.Kind {
		case stream.Delta:
			sess.Append(ev.Text)
		case stream.Snapshot:
			sess.Update(ev.Text)
		case stream.Error:
			if ev.Err != nil {
				sess.Finish("", fmt.Errorf("%w: %v", ErrInvalidResponse, ev.Err))
			} else {
				sess.Finish("", &ServerError{Message: ev.Message})
			}
			return true
		}
	}
	return sess.State().Terminal()
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return &NetworkError{Err: err}
}

// Probe sends a health request and returns the status code and a bounded
// body. Any transport failure is returned as an error.
func Probe(ctx context.Context, client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, body, nil
}

// CheckAsync runs check on its own goroutine under the health timeout and
// always reports a result.
func CheckAsync(ctx context.Context, onResult func(bool), check func(context.Context) bool) {
	if onResult == nil {
		onResult = func(bool) {}
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()

		ok := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					ok = false
				}
			}()
			ok = check(ctx)
		}()
		onResult(ok)
	}()
}

var templateArtifacts = []string{
	"<end_of_turn>",
	"<start_of_turn>",
	"<|eot_id|>",
	"<|end|>",
	"<|start|>",
	"<|im_end|>",
	"<|im_start|>",
}

// CleanOutput strips chat-template tokens some local models leak into their
// output and trims surrounding whitespace.
func CleanOutput(text string) string {
	for _, a := range templateArtifacts {
		text = strings.ReplaceAll(text, a, "")
	}
	return strings.TrimSpace(text)
}

// TrimEndpoint removes trailing slashes so paths can be appended.
func TrimEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
