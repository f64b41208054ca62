package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

type peerEntry struct {
	peer domain.Peer
	conn core.SignalConnection
}

// PeerStore holds the per-connection records. Mutations for one
// connection arrive serialized through its read loop; cross-connection
// reads go through Snapshot and tolerate concurrent removal.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[domain.ConnID]*peerEntry
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[domain.ConnID]*peerEntry)}
}

func (s *PeerStore) Add(peer domain.Peer, conn core.SignalConnection) {
	if peer.Role == "" {
		peer.Role = domain.RoleParticipant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.ID] = &peerEntry{peer: peer, conn: conn}
	log.Info().Str("module", "app.peers").Str("conn", string(peer.ID)).
		Str("room", string(peer.RoomID)).Str("role", string(peer.Role)).Msg("peer added")
}

// Get returns a copy of the peer record.
func (s *PeerStore) Get(id domain.ConnID) (domain.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.peers[id]
	if !ok {
		return domain.Peer{}, false
	}
	return e.peer, true
}

func (s *PeerStore) Conn(id domain.ConnID) (core.SignalConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.peers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (s *PeerStore) Remove(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	log.Info().Str("module", "app.peers").Str("conn", string(id)).Msg("peer removed")
}

func (s *PeerStore) AttachTransport(id domain.ConnID, transportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[id]; ok {
		e.peer.Transports = append(e.peer.Transports, transportID)
	}
}

func (s *PeerStore) AttachProducer(id domain.ConnID, producerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[id]; ok {
		e.peer.Producers = append(e.peer.Producers, producerID)
	}
}

func (s *PeerStore) AttachConsumer(id domain.ConnID, consumerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[id]; ok {
		e.peer.Consumers = append(e.peer.Consumers, consumerID)
	}
}

// PeerSnap is a point-in-time view used for fan-out. A peer removed
// after the snapshot is simply gone by the time Send is attempted.
type PeerSnap struct {
	ID     domain.ConnID
	RoomID domain.RoomID
	Role   domain.Role
	Token  string
	Conn   core.SignalConnection
}

func (s *PeerStore) Snapshot() []PeerSnap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerSnap, 0, len(s.peers))
	for id, e := range s.peers {
		out = append(out, PeerSnap{
			ID:     id,
			RoomID: e.peer.RoomID,
			Role:   e.peer.Role,
			Token:  e.peer.Token,
			Conn:   e.conn,
		})
	}
	return out
}
