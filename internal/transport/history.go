package transport

import "sync"

// DefaultHistoryTurns bounds the messages kept per session.
const DefaultHistoryTurns = 40

// History keeps per-session conversation messages for a transport. The
// oldest messages are dropped once a session exceeds its limit.
type History[T any] struct {
	mu    sync.Mutex
	limit int
	turns map[string][]T
}

// NewHistory returns a History keeping at most limit messages per session.
// limit below 1 uses DefaultHistoryTurns.
func NewHistory[T any](limit int) *History[T] {
	if limit < 1 {
		limit = DefaultHistoryTurns
	}
	return &History[T]{limit: limit, turns: make(map[string][]T)}
}

// Get returns a copy of the session's messages.
func (h *History[T]) Get(session string) []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	src := h.turns[session]
	out := make([]T, len(src))
	copy(out, src)
	return out
}

// Append adds messages to the session, trimming from the front.
func (h *History[T]) Append(session string, msgs ...T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.turns[session], msgs...)
	if over := len(turns) - h.limit; over > 0 {
		turns = append([]T(nil), turns[over:]...)
	}
	h.turns[session] = turns
}

// Reset forgets a session.
func (h *History[T]) Reset(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, session)
}
