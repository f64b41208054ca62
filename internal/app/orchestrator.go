package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// Dashboard / extension control actions. The action field is a closed
// set; anything else is a protocol error.
const (
	ActionPrivateMessage   = "PRIVATE_MESSAGE"
	ActionLogMessage       = "LOG_MESSAGE"
	ActionUpdateDeviceInfo = "UPDATE_DEVICE_INFO"
	ActionAbortProctoring  = "ABORT_PROCTORING"
)

// Log flag keys recorded by lifecycle events.
const (
	FlagDisconnect       = "DISCONNECT"
	FlagProctorStopped   = "PROCTOR_STOPPED"
	FlagShortcutDetected = "SHORTCUT_DETECTED"
)

// Orchestrator composes the registries into the signaling protocol
// semantics. One instance serves all connections; per-connection
// ordering comes from each connection's read loop.
type Orchestrator struct {
	Peers     *PeerStore
	Rooms     *RoomRegistry
	Resources *Resources
	Status    *StatusTracker
	Gate      *Admission
	Bus       *EventBus
	Backend   core.Backend
}

func NewOrchestrator(engine core.Engine, backend core.Backend, adminSecret string) *Orchestrator {
	peers := NewPeerStore()
	return &Orchestrator{
		Peers:     peers,
		Rooms:     NewRoomRegistry(engine),
		Resources: NewResources(),
		Status:    NewStatusTracker(backend),
		Gate:      NewAdmission(backend, adminSecret),
		Bus:       NewEventBus(peers, backend),
		Backend:   backend,
	}
}

// Join admits the connection into a room. For participants the session
// must transition to ONGOING first; if that fails the join is aborted
// and no peer record is created (the caller terminates the connection).
func (o *Orchestrator) Join(ctx context.Context, id domain.ConnID, conn core.SignalConnection,
	role domain.Role, token, address string, roomID domain.RoomID) (json.RawMessage, error) {

	// A connection belongs to at most one room; re-joining the same
	// room is idempotent, switching rooms is refused.
	if existing, ok := o.Peers.Get(id); ok && existing.RoomID != roomID {
		return nil, protocolErr(CodeBadRequest, "connection %s already joined room %s", id, existing.RoomID)
	}

	if role != domain.RoleAdmin {
		if err := o.Status.Transition(ctx, token, domain.StateOngoing); err != nil {
			return nil, err
		}
	}

	caps, err := o.Rooms.JoinOrCreate(ctx, roomID, id)
	if err != nil {
		return nil, protocolErr(CodeEngineFailure, "create router: %v", err)
	}

	o.Peers.Add(domain.Peer{
		ID:      id,
		RoomID:  roomID,
		Role:    role,
		Token:   token,
		Address: address,
	}, conn)

	log.Info().Str("module", "app.orch").Str("conn", string(id)).
		Str("room", string(roomID)).Str("role", string(role)).Msg("joined")
	return caps, nil
}

// Disconnect runs the full cleanup cascade for a connection, in order:
// resource bookkeeping, room membership, session status, proctor
// notification, peer record. A connection that never joined only frees
// its admission reservation.
func (o *Orchestrator) Disconnect(ctx context.Context, id domain.ConnID, token string) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		o.Gate.Release(token, id)
		return
	}

	for _, producerID := range o.Resources.ProducersOf(id) {
		o.closeProducerNotifying(producerID)
	}
	o.Resources.RemoveAllForConnection(id)

	o.Rooms.Leave(peer.RoomID, id)

	if !peer.IsAdmin() {
		// Best effort; local cleanup continues regardless.
		_ = o.Status.Transition(ctx, peer.Token, domain.StatePaused)
		o.Bus.SaveLog(ctx, FlagDisconnect, peer.Token, map[string]any{})
	}

	o.Bus.BroadcastToAdmins(peer.RoomID, EventLogMessage, map[string]any{
		"flagKey": FlagDisconnect,
		"token":   peer.Token,
	})

	o.Peers.Remove(id)
	o.Gate.Release(peer.Token, id)
	log.Info().Str("module", "app.orch").Str("conn", string(id)).Msg("disconnected")
}

// closeProducerNotifying cascades one producer closure and notifies
// each affected consumer's owner exactly once.
func (o *Orchestrator) closeProducerNotifying(producerID string) {
	for _, owner := range o.Resources.CloseProducer(producerID) {
		o.Bus.EmitTo(owner, EventProducerClosed, map[string]any{"producerId": producerID})
	}
}

// HandleProducerClosed is the engine's cascading closed notification.
// A response arriving after the records are already gone is a no-op.
func (o *Orchestrator) HandleProducerClosed(producerID string) {
	o.closeProducerNotifying(producerID)
}

// CreateTransport creates a transport on the peer's room router and
// registers it. At most one send transport may exist per connection.
func (o *Orchestrator) CreateTransport(ctx context.Context, id domain.ConnID, receiver bool) (core.TransportInfo, error) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		return core.TransportInfo{}, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}
	router, ok := o.Rooms.Router(peer.RoomID)
	if !ok {
		return core.TransportInfo{}, protocolErr(CodeRoomNotFound, "room %s has no router", peer.RoomID)
	}

	transport, info, err := router.CreateTransport(ctx)
	if err != nil {
		return core.TransportInfo{}, protocolErr(CodeEngineFailure, "create transport: %v", err)
	}

	rec := &TransportRecord{
		ID:        info.ID,
		Conn:      id,
		Room:      peer.RoomID,
		Recv:      receiver,
		Transport: transport,
	}
	if err := o.Resources.AddTransport(rec); err != nil {
		transport.Close()
		return core.TransportInfo{}, err
	}
	o.Peers.AttachTransport(id, info.ID)

	transport.OnDTLSClosed(func() {
		o.Resources.CloseTransport(info.ID)
	})

	return info, nil
}

// ConnectSendTransport finishes DTLS setup on the connection's send
// transport. Connecting before createTransport is a protocol error.
func (o *Orchestrator) ConnectSendTransport(ctx context.Context, id domain.ConnID, dtlsParameters json.RawMessage) error {
	rec, ok := o.Resources.SendTransport(id)
	if !ok {
		return protocolErr(CodeNoSendTransport, "connection %s has no send transport", id)
	}
	if err := rec.Transport.Connect(ctx, dtlsParameters); err != nil {
		return protocolErr(CodeEngineFailure, "connect transport: %v", err)
	}
	return nil
}

// ConnectRecvTransport finishes DTLS setup on one receive transport.
func (o *Orchestrator) ConnectRecvTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	rec, ok := o.Resources.RecvTransport(transportID)
	if !ok {
		return protocolErr(CodeTransportNotFound, "receive transport %s not found", transportID)
	}
	if err := rec.Transport.Connect(ctx, dtlsParameters); err != nil {
		return protocolErr(CodeEngineFailure, "connect transport: %v", err)
	}
	return nil
}

// ProduceResult is the response to a produce request.
type ProduceResult struct {
	ProducerID         string
	MoreProducersExist bool
}

// Produce registers a new inbound stream on the connection's send
// transport and announces it to the room's other producer owners and
// to admin observers.
func (o *Orchestrator) Produce(ctx context.Context, id domain.ConnID, kind core.MediaKind,
	rtpParameters, appData json.RawMessage) (ProduceResult, error) {

	peer, ok := o.Peers.Get(id)
	if !ok {
		return ProduceResult{}, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}
	rec, ok := o.Resources.SendTransport(id)
	if !ok {
		return ProduceResult{}, protocolErr(CodeNoSendTransport, "connection %s has no send transport", id)
	}

	producer, err := rec.Transport.Produce(ctx, kind, rtpParameters, appData)
	if err != nil {
		return ProduceResult{}, protocolErr(CodeEngineFailure, "produce: %v", err)
	}

	o.Resources.AddProducer(&ProducerRecord{
		ID:       producer.ID(),
		Conn:     id,
		Room:     peer.RoomID,
		Kind:     kind,
		AppData:  appData,
		Producer: producer,
	})
	o.Peers.AttachProducer(id, producer.ID())

	producer.OnClosed(func() {
		o.HandleProducerClosed(producer.ID())
	})

	o.announceProducer(peer.RoomID, id, producer.ID())

	return ProduceResult{
		ProducerID:         producer.ID(),
		MoreProducersExist: o.Resources.CountProducers() > 1,
	}, nil
}

// announceProducer notifies every other producer-owning peer in the
// room plus every admin observer, each at most once.
func (o *Orchestrator) announceProducer(roomID domain.RoomID, owner domain.ConnID, producerID string) {
	notified := make(map[domain.ConnID]struct{})
	payload := map[string]any{"producerId": producerID}
	for _, snap := range o.Peers.Snapshot() {
		if snap.ID == owner {
			continue
		}
		owns := snap.RoomID == roomID && len(o.Resources.ListProducersOwnedBy(roomID, snap.ID)) > 0
		if !owns && snap.Role != domain.RoleAdmin {
			continue
		}
		if _, dup := notified[snap.ID]; dup {
			continue
		}
		notified[snap.ID] = struct{}{}
		o.Bus.send(snap, EventNewProducer, payload)
	}
}

// Producers lists producer ids visible to the connection for initial
// discovery, excluding its own.
func (o *Orchestrator) Producers(id domain.ConnID) ([]string, error) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		return nil, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}
	return o.Resources.ListProducers(peer.RoomID, id), nil
}

// ProducersFor lists producer ids owned by one specific connection in
// the caller's room.
func (o *Orchestrator) ProducersFor(id, target domain.ConnID) ([]string, error) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		return nil, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}
	return o.Resources.ListProducersOwnedBy(peer.RoomID, target), nil
}

// ConsumeResult is the response to a consume request.
type ConsumeResult struct {
	ConsumerID    string
	ProducerID    string
	Kind          core.MediaKind
	RTPParameters json.RawMessage
	AppData       json.RawMessage
}

// Consume creates a paused consumer for the producer on the given
// receive transport. A failure leaves no half-registered record.
func (o *Orchestrator) Consume(ctx context.Context, id domain.ConnID,
	rtpCapabilities json.RawMessage, producerID, transportID string) (ConsumeResult, error) {

	peer, ok := o.Peers.Get(id)
	if !ok {
		return ConsumeResult{}, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}
	router, ok := o.Rooms.Router(peer.RoomID)
	if !ok {
		return ConsumeResult{}, protocolErr(CodeRoomNotFound, "room %s has no router", peer.RoomID)
	}
	rec, ok := o.Resources.RecvTransport(transportID)
	if !ok {
		return ConsumeResult{}, protocolErr(CodeTransportNotFound, "receive transport %s not found", transportID)
	}
	prod, ok := o.Resources.Producer(producerID)
	if !ok {
		return ConsumeResult{}, protocolErr(CodeProducerNotFound, "producer %s not found", producerID)
	}
	if !router.CanConsume(producerID, rtpCapabilities) {
		return ConsumeResult{}, protocolErr(CodeCannotConsume, "cannot consume producer %s", producerID)
	}

	// Producer app data rides along to the consumer side.
	consumer, err := rec.Transport.Consume(ctx, producerID, rtpCapabilities, prod.AppData)
	if err != nil {
		return ConsumeResult{}, protocolErr(CodeEngineFailure, "consume: %v", err)
	}

	o.Resources.AddConsumer(&ConsumerRecord{
		ID:         consumer.ID(),
		Conn:       id,
		Room:       peer.RoomID,
		ProducerID: producerID,
		AppData:    prod.AppData,
		Consumer:   consumer,
	})
	o.Peers.AttachConsumer(id, consumer.ID())

	return ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
		AppData:       prod.AppData,
	}, nil
}

// ResumeConsumer starts delivery on a consumer created paused.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, consumerID string) error {
	rec, ok := o.Resources.Consumer(consumerID)
	if !ok {
		return protocolErr(CodeConsumerNotFound, "consumer %s not found", consumerID)
	}
	if err := rec.Consumer.Resume(ctx); err != nil {
		return protocolErr(CodeEngineFailure, "resume consumer: %v", err)
	}
	return nil
}

// TransportStats returns the engine's metrics for one transport, for
// the supervisory HTTP surface.
func (o *Orchestrator) TransportStats(ctx context.Context, transportID string) (json.RawMessage, error) {
	rec, ok := o.Resources.Transport(transportID)
	if !ok {
		return nil, protocolErr(CodeTransportNotFound, "transport %s not found", transportID)
	}
	stats, err := rec.Transport.Stats(ctx)
	if err != nil {
		return nil, protocolErr(CodeEngineFailure, "transport stats: %v", err)
	}
	return stats, nil
}

// SessionEnd completes the participant's session and records the stop.
// Admin connections are ignored. Best effort; there is no response.
func (o *Orchestrator) SessionEnd(ctx context.Context, id domain.ConnID) {
	peer, ok := o.Peers.Get(id)
	if !ok || peer.IsAdmin() {
		return
	}
	if err := o.Status.Transition(ctx, peer.Token, domain.StateCompleted); err == nil {
		o.Status.Forget(peer.Token)
	}
	o.Bus.SaveLog(ctx, FlagProctorStopped, peer.Token, map[string]any{})
	o.Bus.BroadcastToAdmins(peer.RoomID, EventLogMessage, map[string]any{
		"flagKey": FlagProctorStopped,
		"token":   peer.Token,
	})
}

// DashboardMessage payloads.
type dashboardPayload struct {
	Token   string          `json:"token"`
	State   string          `json:"state,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Dashboard handles a supervisory control message and reports success
// synchronously.
func (o *Orchestrator) Dashboard(ctx context.Context, id domain.ConnID, action string, data json.RawMessage) (bool, error) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		return false, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}

	var p dashboardPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, protocolErr(CodeBadRequest, "bad dashboard payload: %v", err)
	}

	switch action {
	case ActionPrivateMessage:
		o.Bus.BroadcastToToken(peer.RoomID, p.Token, EventPrivateMessage, json.RawMessage(data))
		return true, nil

	case ActionAbortProctoring:
		// Caller picks the transition; on failure the chat payload is
		// not delivered and the caller learns synchronously.
		if err := o.Status.Transition(ctx, p.Token, domain.SessionState(p.State)); err != nil {
			return false, nil
		}
		if len(p.Message) > 0 {
			o.Bus.BroadcastToToken(peer.RoomID, p.Token, EventPrivateMessage, p.Message)
		}
		return true, nil

	default:
		return false, protocolErr(CodeUnknownAction, "unknown dashboard action %q", action)
	}
}

// Extension message payloads.
type extensionPayload struct {
	FlagKey    string            `json:"flagKey,omitempty"`
	Token      string            `json:"token,omitempty"`
	Message    string            `json:"message,omitempty"`
	Attachment map[string]any    `json:"attachment,omitempty"`
	DeviceInfo domain.DeviceInfo `json:"deviceInfo,omitempty"`
}

// ExtensionResult is the ack for an extension message. Authenticate is
// only set for actions that re-verify session ownership.
type ExtensionResult struct {
	Success      bool
	Authenticate *bool
}

// Extension handles a message from the participant's browser extension.
func (o *Orchestrator) Extension(ctx context.Context, id domain.ConnID, action string, data json.RawMessage) (ExtensionResult, error) {
	peer, ok := o.Peers.Get(id)
	if !ok {
		return ExtensionResult{}, protocolErr(CodeNotJoined, "connection %s has not joined a room", id)
	}

	var p extensionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ExtensionResult{}, protocolErr(CodeBadRequest, "bad extension payload: %v", err)
	}

	switch action {
	case ActionPrivateMessage:
		o.Bus.BroadcastToAdmins(peer.RoomID, EventPrivateMessage, json.RawMessage(data))
		return ExtensionResult{Success: true}, nil

	case ActionLogMessage:
		if p.Attachment == nil {
			p.Attachment = map[string]any{}
		}
		o.Bus.SaveLog(ctx, p.FlagKey, peer.Token, p.Attachment)
		o.Bus.BroadcastToAdmins(peer.RoomID, EventLogMessage, json.RawMessage(data))

		// Keystroke transcripts ride in on log messages; every
		// detected shortcut is logged and broadcast independently.
		for _, match := range DetectShortcuts(p.Message) {
			o.Bus.SaveLog(ctx, FlagShortcutDetected, peer.Token, map[string]any{
				"shortcut": match.Shortcut,
				"desc":     match.Desc,
			})
			o.Bus.BroadcastToAdmins(peer.RoomID, EventLogMessage, map[string]any{
				"flagKey":  FlagShortcutDetected,
				"token":    peer.Token,
				"shortcut": match.Shortcut,
				"desc":     match.Desc,
			})
		}
		return ExtensionResult{Success: true}, nil

	case ActionUpdateDeviceInfo:
		info := p.DeviceInfo
		if DetectVM(&info) {
			o.Bus.BroadcastToAdmins(peer.RoomID, EventVMDetected, info)
		}
		err := o.Backend.SessionDetail(ctx, peer.Token, info, peer.Address)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("session detail push failed")
		}
		authenticated := err == nil
		return ExtensionResult{Success: true, Authenticate: &authenticated}, nil

	default:
		return ExtensionResult{}, protocolErr(CodeUnknownAction, "unknown extension action %q", action)
	}
}
