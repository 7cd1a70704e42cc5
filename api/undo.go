package api

import (
	"sync"
	"time"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// UNDO REGISTRY - Short-lived tokens returned by DELETE /api/transfers/{id}
// =============================================================================

// UndoRegistry keeps undo tokens for a fixed window. A token can be redeemed
// once; expired tokens are dropped on the next Put or Take.
type UndoRegistry struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]engine.UndoToken
}

// NewUndoRegistry creates a registry. A window <= 0 disables undo.
func NewUndoRegistry(window time.Duration) *UndoRegistry {
	return &UndoRegistry{window: window, now: time.Now, tokens: make(map[string]engine.UndoToken)}
}

// Put stores tok and returns when it expires. ok is false if undo is disabled.
func (u *UndoRegistry) Put(tok engine.UndoToken) (expires time.Time, ok bool) {
	if u.window <= 0 {
		return time.Time{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prune()
	u.tokens[tok.ID] = tok
	return tok.IssuedAt.Add(u.window), true
}

// Take removes and returns the token if it is still within its window.
func (u *UndoRegistry) Take(id string) (engine.UndoToken, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prune()
	tok, ok := u.tokens[id]
	if ok {
		delete(u.tokens, id)
	}
	return tok, ok
}

func (u *UndoRegistry) prune() {
	now := u.now()
	for id, tok := range u.tokens {
		if now.Sub(tok.IssuedAt) > u.window {
			delete(u.tokens, id)
		}
	}
}
