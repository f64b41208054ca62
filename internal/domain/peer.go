// Package domain contains entity without logic, just meta-data
package domain

type (
	ConnID string
	RoomID string
)

type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// Peer is the per-connection state record. Resource ids are owned here;
// the records themselves live in the resource registry.
type Peer struct {
	ID         ConnID
	RoomID     RoomID
	Role       Role
	Token      string
	Address    string
	Transports []string
	Producers  []string
	Consumers  []string
}

func (p *Peer) IsAdmin() bool { return p.Role == RoleAdmin }

// Credentials is the admission payload presented before the connection
// may reach the protocol handler.
type Credentials struct {
	Token       string
	AdminSecret string
	DeviceID    string
	UserAgent   string
	Address     string
}
