package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// StatusTracker drives the per-token proctoring state machine:
// CREATED → ONGOING → {PAUSED ⇄ ONGOING} → COMPLETED. The external
// session service is the source of truth; the local map is a mirror for
// observers. Admin tokens never enter the machine.
type StatusTracker struct {
	backend core.Backend

	mu     sync.Mutex
	states map[string]domain.SessionState
}

func NewStatusTracker(backend core.Backend) *StatusTracker {
	return &StatusTracker{
		backend: backend,
		states:  make(map[string]domain.SessionState),
	}
}

// Transition pushes the state to the session service and mirrors it
// locally on success. The caller decides whether a failure is fatal
// (join) or best effort (disconnect).
func (t *StatusTracker) Transition(ctx context.Context, token string, state domain.SessionState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid session state %q", state)
	}
	if err := t.backend.UpdateSessionStatus(ctx, token, state); err != nil {
		log.Warn().Err(err).Str("module", "app.status").Str("state", string(state)).
			Msg("session status update failed")
		return err
	}
	t.mu.Lock()
	t.states[token] = state
	t.mu.Unlock()
	log.Info().Str("module", "app.status").Str("state", string(state)).Msg("session status updated")
	return nil
}

func (t *StatusTracker) State(token string) (domain.SessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[token]
	return s, ok
}

func (t *StatusTracker) Forget(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, token)
}
