package app

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// Admission validates credentials before a connection may reach the
// protocol handler. All checks run once, in order; any failure
// terminates the connection attempt with no partial state.
type Admission struct {
	backend     core.Backend
	adminSecret string

	mu sync.Mutex
	// live non-admin tokens, reserved at admission and released on
	// disconnect. Admin connections are deliberately exempt from the
	// duplicate check.
	active map[string]domain.ConnID
}

func NewAdmission(backend core.Backend, adminSecret string) *Admission {
	return &Admission{
		backend:     backend,
		adminSecret: adminSecret,
		active:      make(map[string]domain.ConnID),
	}
}

// Admit runs the admission checks and reserves the token for the
// connection. Returns the role the connection was admitted with.
func (a *Admission) Admit(ctx context.Context, id domain.ConnID, cred domain.Credentials) (domain.Role, error) {
	if cred.AdminSecret != "" {
		if subtle.ConstantTimeCompare([]byte(cred.AdminSecret), []byte(a.adminSecret)) != 1 {
			return "", &AuthError{Reason: ReasonInvalidAdminCredential}
		}
		log.Info().Str("module", "app.admission").Str("conn", string(id)).Msg("admin admitted")
		return domain.RoleAdmin, nil
	}

	if cred.Token == "" {
		return "", &AuthError{Reason: ReasonMissingToken}
	}

	res, err := a.backend.Signin(ctx, cred.Token)
	if err != nil || !res.Valid {
		return "", &AuthError{Reason: ReasonInvalidToken}
	}

	// Reserve before the ownership call so a concurrent attempt with
	// the same token fails the duplicate check, not a race.
	a.mu.Lock()
	if _, ok := a.active[cred.Token]; ok {
		a.mu.Unlock()
		return "", &AuthError{Reason: ReasonDuplicateSession}
	}
	a.active[cred.Token] = id
	a.mu.Unlock()

	info := domain.DeviceInfo{
		DeviceID:  cred.DeviceID,
		UserAgent: cred.UserAgent,
	}
	if err := a.backend.SessionDetail(ctx, cred.Token, info, cred.Address); err != nil {
		a.Release(cred.Token, id)
		return "", &AuthError{Reason: ReasonOwnershipMismatch}
	}

	log.Info().Str("module", "app.admission").Str("conn", string(id)).Msg("participant admitted")
	return domain.RoleParticipant, nil
}

// Release frees the token reservation, but only if it still belongs to
// this connection.
func (a *Admission) Release(token string, id domain.ConnID) {
	if token == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if holder, ok := a.active[token]; ok && holder == id {
		delete(a.active, token)
	}
}

// TokenActive reports whether a live non-admin connection holds the token.
func (a *Admission) TokenActive(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[token]
	return ok
}
