package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// Server → client event names.
const (
	EventNewProducer    = "newProducerAvailable"
	EventProducerClosed = "producerClosed"
	EventLogMessage     = "logMessage"
	EventPrivateMessage = "privateMessage"
	EventVMDetected     = "VM_DETECTED"
)

// EventBus fans out one-way events to supervisory and participant
// connections and persists log records through the backend.
type EventBus struct {
	peers   *PeerStore
	backend core.Backend
}

func NewEventBus(peers *PeerStore, backend core.Backend) *EventBus {
	return &EventBus{peers: peers, backend: backend}
}

// EncodeEvent builds the wire frame for a one-way server event.
func EncodeEvent(event string, data any) (core.Frame, error) {
	b, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: event, Data: data})
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

func (b *EventBus) send(snap PeerSnap, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("module", "app.events").Str("event", event).Msg("encode event")
		return
	}
	if err := snap.Conn.TrySend(frame); err != nil {
		// Slow or already-gone connection; the event is dropped.
		log.Warn().Str("module", "app.events").Str("conn", string(snap.ID)).
			Str("event", event).Msg("event dropped")
	}
}

// EmitTo delivers one event to a single connection, if it still exists.
func (b *EventBus) EmitTo(id domain.ConnID, event string, data any) {
	conn, ok := b.peers.Conn(id)
	if !ok {
		return
	}
	b.send(PeerSnap{ID: id, Conn: conn}, event, data)
}

// BroadcastToAdmins emits to every admin connection in the room.
func (b *EventBus) BroadcastToAdmins(roomID domain.RoomID, event string, data any) {
	for _, snap := range b.peers.Snapshot() {
		if snap.RoomID == roomID && snap.Role == domain.RoleAdmin {
			b.send(snap, event, data)
		}
	}
}

// BroadcastToToken emits to every connection in the room holding the
// token. Multiple admin observers may share a token view.
func (b *EventBus) BroadcastToToken(roomID domain.RoomID, token string, event string, data any) {
	for _, snap := range b.peers.Snapshot() {
		if snap.RoomID == roomID && snap.Token == token {
			b.send(snap, event, data)
		}
	}
}

// SaveLog persists one log record. An inline-encoded image in the
// attachment is first uploaded to storage and replaced by the returned
// path, or by null when the upload fails; the log record is persisted
// either way.
func (b *EventBus) SaveLog(ctx context.Context, flagKey, token string, attachment map[string]any) {
	if file, ok := attachment["file"].(string); ok && file != "" {
		if raw := decodeInlineImage(file); raw != nil {
			if path, err := b.backend.UploadFile(ctx, "image.png", raw); err != nil {
				attachment["file"] = nil
			} else {
				attachment["file"] = path
			}
		}
	}
	if err := b.backend.SaveLog(ctx, flagKey, token, attachment); err != nil {
		log.Warn().Err(err).Str("module", "app.events").Str("flag", flagKey).Msg("save log failed")
	}
}

// decodeInlineImage strips a data-URL prefix and decodes the base64
// body. Returns nil when the payload is not inline-encoded.
func decodeInlineImage(s string) []byte {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}
