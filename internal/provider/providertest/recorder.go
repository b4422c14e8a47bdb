// Package providertest holds helpers for testing code that consumes
// provider stream callbacks.
package providertest

import (
	"sync"
	"testing"
	"time"
)

// Recorder captures the callbacks of one stream.
type Recorder struct {
	mu          sync.Mutex
	updates     []string
	completions int
	text        string
	err         error
	done        chan struct{}
	updated     chan string
}

func NewRecorder() *Recorder {
	return &Recorder{
		done:    make(chan struct{}),
		updated: make(chan string, 64),
	}
}

func (r *Recorder) OnUpdate(text string) {
	r.mu.Lock()
	r.updates = append(r.updates, text)
	r.mu.Unlock()

	select {
	case r.updated <- text:
	default:
	}
}

func (r *Recorder) OnComplete(text string, err error) {
	r.mu.Lock()
	r.completions++
	first := r.completions == 1
	if first {
		r.text, r.err = text, err
	}
	r.mu.Unlock()

	if first {
		close(r.done)
	}
}

// Wait blocks until the first completion and returns its result.
func (r *Recorder) Wait(t *testing.T, timeout time.Duration) (string, error) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(timeout):
		t.Fatalf("stream did not complete within %v", timeout)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text, r.err
}

// NextUpdate blocks until an update arrives.
func (r *Recorder) NextUpdate(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case text := <-r.updated:
		return text
	case <-time.After(timeout):
		t.Fatalf("no update within %v", timeout)
		return ""
	}
}

func (r *Recorder) Updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updates...)
}

func (r *Recorder) Completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completions
}
