package companion

import (
	"sync"

	"github.com/vnmchuo/companion/internal/provider"
)

// MaxRounds is the number of user/assistant exchanges kept in memory.
const MaxRounds = 20

// History is the conversation shared by every provider. Only the oldest turns
// are dropped when it grows past MaxRounds*2.
type History struct {
	mu    sync.Mutex
	turns []provider.Turn
}

// Append adds a turn, trims the oldest ones and returns a copy of the result.
// The returned slice always ends with the new turn.
func (h *History) Append(role, content string) []provider.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, provider.Turn{Role: role, Content: content})
	if over := len(h.turns) - MaxRounds*2; over > 0 {
		h.turns = append([]provider.Turn(nil), h.turns[over:]...)
	}
	return append([]provider.Turn(nil), h.turns...)
}

// Snapshot returns a copy of the turns, oldest first.
func (h *History) Snapshot() []provider.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]provider.Turn(nil), h.turns...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func (h *History) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
}
