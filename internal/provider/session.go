package provider

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is the live state of one in-flight stream.
//
// mu guards the state. updateMu serializes update delivery. A terminal
// callback raised while an update is being delivered, including a Cancel made
// from inside onUpdate, is parked in pending and delivered by the updating
// goroutine as soon as onUpdate returns.
type Session struct {
	mu       sync.Mutex
	updateMu sync.Mutex

	state      State
	text       string
	onUpdate   UpdateFunc
	onComplete CompleteFunc
	cancel     context.CancelFunc
	done       chan struct{}
	emitting   bool
	pending    func()
}

func NewSession(onUpdate UpdateFunc, onComplete CompleteFunc) *Session {
	if onUpdate == nil {
		onUpdate = func(string) {}
	}
	if onComplete == nil {
		onComplete = func(string, error) {}
	}
	return &Session{
		state:      StateIdle,
		onUpdate:   onUpdate,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

// Begin moves the session to requesting and records the transport cancel func.
// It returns false if the session was already terminated.
func (s *Session) Begin(cancel context.CancelFunc) bool {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false
	}
	s.state = StateRequesting
	s.cancel = cancel
	s.mu.Unlock()
	return true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Append adds a delta to the accumulated text and reports the new total.
func (s *Session) Append(delta string) {
	if delta == "" {
		return
	}
	s.emit(func() (string, bool) {
		s.text += delta
		return s.text, true
	})
}

// Update replaces the accumulated text with a full snapshot. Identical or
// shorter snapshots are ignored so the reported text never shrinks.
func (s *Session) Update(full string) {
	s.emit(func() (string, bool) {
		if full == s.text || len(full) < len(s.text) {
			return "", false
		}
		s.text = full
		return full, true
	})
}

// emit applies change under mu and delivers the resulting text to onUpdate.
func (s *Session) emit(change func() (string, bool)) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	text, ok := change()
	if !ok {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	s.emitting = true
	cb := s.onUpdate
	s.mu.Unlock()

	cb(text)

	s.mu.Lock()
	s.emitting = false
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending()
	}
}

// Finish terminates the session as completed (err == nil) or failed. It
// returns false if the session had already terminated.
func (s *Session) Finish(text string, err error) bool {
	state := StateCompleted
	if err != nil {
		state, text = StateFailed, ""
	}
	return s.terminate(state, text, err)
}

// Cancel aborts the transport and reports ErrCancelled. Calling it on a
// terminated session is a no-op. It is safe to call from inside onUpdate.
func (s *Session) Cancel() bool {
	return s.terminate(StateCancelled, "", ErrCancelled)
}

func (s *Session) terminate(state State, text string, err error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	cb, cancel := s.release()
	deliver := func() { cb(text, err) }
	deferred := s.emitting
	if deferred {
		s.pending = deliver
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !deferred {
		deliver()
	}
	return true
}

// release must be called with mu held.
func (s *Session) release() (CompleteFunc, context.CancelFunc) {
	cb, cancel := s.onComplete, s.cancel
	s.onUpdate = func(string) {}
	s.onComplete = func(string, error) {}
	s.cancel = nil
	close(s.done)
	return cb, cancel
}

// Streamer owns the single current session of an adapter.
type Streamer struct {
	mu      sync.Mutex
	current *Session
}

// Start cancels any session still in flight, then opens a new one bound to a
// context derived from parent with the given timeout.
func (st *Streamer) Start(parent context.Context, timeout time.Duration, onUpdate UpdateFunc, onComplete CompleteFunc) (context.Context, *Session) {
	st.Cancel()

	if onComplete == nil {
		onComplete = func(string, error) {}
	}
	var sess *Session
	sess = NewSession(onUpdate, func(text string, err error) {
		st.release(sess)
		onComplete(text, err)
	})

	ctx, cancel := context.WithTimeout(parent, timeout)
	sess.Begin(cancel)

	st.mu.Lock()
	st.current = sess
	st.mu.Unlock()
	return ctx, sess
}

// Cancel cancels the current session, if any.
func (st *Streamer) Cancel() {
	st.mu.Lock()
	cur := st.current
	st.current = nil
	st.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}
}

// Active reports whether a session is in flight.
func (st *Streamer) Active() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current != nil
}

func (st *Streamer) release(sess *Session) {
	st.mu.Lock()
	if st.current == sess {
		st.current = nil
	}
	st.mu.Unlock()
}
