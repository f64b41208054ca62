package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

type roomEntry struct {
	router  core.Router
	members map[domain.ConnID]struct{}
}

// RoomRegistry maps room ids to their routing handle and membership.
// A room exists from the first join until the last member leaves.
type RoomRegistry struct {
	engine core.Engine

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

func NewRoomRegistry(engine core.Engine) *RoomRegistry {
	return &RoomRegistry{
		engine: engine,
		rooms:  make(map[domain.RoomID]*roomEntry),
	}
}

// JoinOrCreate adds the connection to the room, creating the routing
// handle lazily on first join. Re-joining the same room is idempotent.
// Returns the router's capability descriptor.
func (r *RoomRegistry) JoinOrCreate(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) (json.RawMessage, error) {
	r.mu.Lock()
	if e, ok := r.rooms[roomID]; ok {
		e.members[connID] = struct{}{}
		caps := e.router.Capabilities()
		r.mu.Unlock()
		return caps, nil
	}
	r.mu.Unlock()

	// Router creation suspends; the lock must not be held across it.
	router, err := r.engine.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		// Lost the race to a concurrent first join.
		router.Close()
		e.members[connID] = struct{}{}
		return e.router.Capabilities(), nil
	}
	r.rooms[roomID] = &roomEntry{
		router:  router,
		members: map[domain.ConnID]struct{}{connID: {}},
	}
	log.Info().Str("module", "app.rooms").Str("room", string(roomID)).
		Str("router", router.ID()).Msg("room created")
	return router.Capabilities(), nil
}

// Leave removes the connection from the room. The room record is
// deleted the moment membership becomes empty; the router itself is
// only dereferenced, its lifecycle belongs to the engine.
func (r *RoomRegistry) Leave(roomID domain.RoomID, connID domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(e.members, connID)
	if len(e.members) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Msg("room empty, deleted")
	}
}

func (r *RoomRegistry) Router(roomID domain.RoomID) (core.Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return e.router, true
}

func (r *RoomRegistry) Members(roomID domain.RoomID) ([]domain.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]domain.ConnID, 0, len(e.members))
	for id := range e.members {
		out = append(out, id)
	}
	return out, true
}

func (r *RoomRegistry) Exists(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}
