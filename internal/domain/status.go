package domain

// SessionState is the per-token proctoring status, mirrored to the
// external session service.
type SessionState string

const (
	StateCreated   SessionState = "CREATED"
	StateOngoing   SessionState = "ONGOING"
	StatePaused    SessionState = "PAUSED"
	StateCompleted SessionState = "COMPLETED"
)

func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StateOngoing, StatePaused, StateCompleted:
		return true
	}
	return false
}
