package core

import (
	"context"

	"github.com/provigil/proctor/internal/domain"
)

// SigninResult is the identity service's verdict for a token.
type SigninResult struct {
	Valid bool   `json:"valid"`
	User  string `json:"user,omitempty"`
}

// Backend is the surface of the external identity, session-status,
// log-storage and file-storage services. Every call may fail; callers
// degrade rather than crash (see admission for the one exception).
type Backend interface {
	Signin(ctx context.Context, token string) (SigninResult, error)
	// SessionDetail verifies device/session ownership and records the
	// telemetry snapshot.
	SessionDetail(ctx context.Context, token string, info domain.DeviceInfo, address string) error
	UpdateSessionStatus(ctx context.Context, token string, state domain.SessionState) error
	SaveLog(ctx context.Context, flagKey, token string, attachment map[string]any) error
	// UploadFile stores a file and returns its path.
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
}
