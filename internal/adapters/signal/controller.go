package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/provigil/proctor/internal/app"
	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// Controller owns the websocket signaling endpoint: admission, the
// request/response framing, and the per-connection pumps. All requests
// from one connection are handled in order by its read pump.
type Controller struct {
	Orch       *app.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// TrySend can be called from other connections' handler goroutines, so
// it must stay safe against a concurrent Close.
func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- f:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// client is the admitted connection state the dispatcher works with.
type client struct {
	id      domain.ConnID
	role    domain.Role
	token   string
	address string
	conn    *wsConn
}

// Handle admits and upgrades one signaling connection. Admission runs
// before the upgrade so a refused connection never mutates any state.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	id := domain.ConnID(uuid.NewString())
	cred := domain.Credentials{
		Token:       c.Query("token"),
		AdminSecret: c.Query("adminSecret"),
		DeviceID:    c.Query("deviceId"),
		UserAgent:   c.GetHeader("User-Agent"),
		Address:     c.ClientIP(),
	}

	role, err := ctl.Orch.Gate.Admit(c.Request.Context(), id, cred)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("admission refused")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		ctl.Orch.Gate.Release(cred.Token, id)
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	cl := &client{
		id:      id,
		role:    role,
		token:   cred.Token,
		address: cred.Address,
		conn:    &wsConn{conn: ws, send: make(chan core.Frame, 32)},
	}

	ctl.greet(cl)

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(connCtx, cl.conn)
	go func() {
		defer cancel()
		ctl.readPump(connCtx, cl)
	}()
}

// greet sends the connection-success event before any request is read.
func (ctl *Controller) greet(cl *client) {
	frame, err := app.EncodeEvent("connection-success", map[string]any{
		"connectionId": cl.id,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode greeting")
		return
	}
	_ = cl.conn.TrySend(frame)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump serializes all of the connection's requests. On exit the
// full disconnect cascade runs exactly once.
func (ctl *Controller) readPump(ctx context.Context, cl *client) {
	defer func() {
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), cl.id, cl.token)
		cl.conn.Close()
		log.Info().Str("module", "signal").Str("conn", string(cl.id)).Msg("read pump closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := cl.conn.conn.ReadMessage()
		if err != nil {
			return
		}
		if !ctl.handleFrame(ctx, cl, data) {
			return
		}
	}
}

// handleFrame decodes and dispatches one request. Returns false when
// the connection must terminate.
func (ctl *Controller) handleFrame(ctx context.Context, cl *client, data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cl.id)).Msg("bad frame")
		return true
	}

	kind, ok := parseKind(env.Type)
	if !ok {
		ctl.respondErr(cl, env.ID, protocolErrUnknown(env.Type))
		return true
	}
	return ctl.dispatch(ctx, cl, kind, env.ID, env.Data)
}

func protocolErrUnknown(msgType string) error {
	return &app.ProtocolError{Code: app.CodeUnknownAction, Message: "unknown message type " + msgType}
}

// dispatch is exhaustive over the message kinds.
func (ctl *Controller) dispatch(ctx context.Context, cl *client, kind messageKind, id uint64, data json.RawMessage) bool {
	switch kind {
	case kindJoin:
		return ctl.handleJoin(ctx, cl, id, data)
	case kindCreateTransport:
		ctl.handleCreateTransport(ctx, cl, id, data)
	case kindConnectTransport:
		ctl.handleConnectTransport(ctx, cl, id, data)
	case kindConnectReceiveTransport:
		ctl.handleConnectReceiveTransport(ctx, cl, id, data)
	case kindProduce:
		ctl.handleProduce(ctx, cl, id, data)
	case kindListProducers:
		ctl.handleListProducers(cl, id)
	case kindListProducersFor:
		ctl.handleListProducersFor(cl, id, data)
	case kindConsume:
		ctl.handleConsume(ctx, cl, id, data)
	case kindResumeConsumer:
		ctl.handleResumeConsumer(ctx, cl, id, data)
	case kindDashboardMessage:
		ctl.handleDashboard(ctx, cl, id, data)
	case kindExtensionMessage:
		ctl.handleExtension(ctx, cl, id, data)
	case kindPing:
		ctl.respond(cl, id, map[string]any{"address": cl.address})
	case kindSessionEnd:
		ctl.Orch.SessionEnd(ctx, cl.id)
	}
	return true
}

// handleJoin admits the connection into its room. A failed participant
// join terminates the connection after the error response.
func (ctl *Controller) handleJoin(ctx context.Context, cl *client, id uint64, data json.RawMessage) bool {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "join requires roomId"})
		return true
	}

	caps, err := ctl.Orch.Join(ctx, cl.id, cl.conn, cl.role, cl.token, cl.address, domain.RoomID(p.RoomID))
	if err != nil {
		ctl.respondErr(cl, id, err)
		return cl.role == domain.RoleAdmin
	}
	ctl.respond(cl, id, map[string]any{"codecCapabilities": caps})
	return true
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p createTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad createTransport payload"})
		return
	}
	info, err := ctl.Orch.CreateTransport(ctx, cl.id, p.IsReceiver)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, info)
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p connectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad connectTransport payload"})
		return
	}
	if err := ctl.Orch.ConnectSendTransport(ctx, cl.id, p.DTLSParameters); err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{})
}

func (ctl *Controller) handleConnectReceiveTransport(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p connectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad connectReceiveTransport payload"})
		return
	}
	if err := ctl.Orch.ConnectRecvTransport(ctx, p.TransportID, p.DTLSParameters); err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{})
}

func (ctl *Controller) handleProduce(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p producePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad produce payload"})
		return
	}
	res, err := ctl.Orch.Produce(ctx, cl.id, p.Kind, p.RTPParameters, p.AppData)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{
		"producerId":         res.ProducerID,
		"moreProducersExist": res.MoreProducersExist,
	})
}

func (ctl *Controller) handleListProducers(cl *client, id uint64) {
	ids, err := ctl.Orch.Producers(cl.id)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, ids)
}

func (ctl *Controller) handleListProducersFor(cl *client, id uint64, data json.RawMessage) {
	var p listProducersForPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConnectionID == "" {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad listProducersFor payload"})
		return
	}
	ids, err := ctl.Orch.ProducersFor(cl.id, p.ConnectionID)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, ids)
}

func (ctl *Controller) handleConsume(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p consumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad consume payload"})
		return
	}
	res, err := ctl.Orch.Consume(ctx, cl.id, p.CodecCapabilities, p.ProducerID, p.ReceiveTransportID)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{
		"consumerId":    res.ConsumerID,
		"producerId":    res.ProducerID,
		"kind":          res.Kind,
		"rtpParameters": res.RTPParameters,
		"appData":       res.AppData,
	})
}

func (ctl *Controller) handleResumeConsumer(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p resumeConsumerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConsumerID == "" {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad resumeConsumer payload"})
		return
	}
	if err := ctl.Orch.ResumeConsumer(ctx, p.ConsumerID); err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{})
}

func (ctl *Controller) handleDashboard(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p actionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad dashboardMessage payload"})
		return
	}
	ok, err := ctl.Orch.Dashboard(ctx, cl.id, p.Action, data)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	ctl.respond(cl, id, map[string]any{"success": ok})
}

func (ctl *Controller) handleExtension(ctx context.Context, cl *client, id uint64, data json.RawMessage) {
	var p actionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.respondErr(cl, id, &app.ProtocolError{Code: app.CodeBadRequest, Message: "bad extensionMessage payload"})
		return
	}
	res, err := ctl.Orch.Extension(ctx, cl.id, p.Action, data)
	if err != nil {
		ctl.respondErr(cl, id, err)
		return
	}
	body := map[string]any{"success": res.Success}
	if res.Authenticate != nil {
		body["authenticate"] = *res.Authenticate
	}
	ctl.respond(cl, id, body)
}

func (ctl *Controller) respond(cl *client, id uint64, data any) {
	frame, err := encodeResponse(id, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode response")
		return
	}
	_ = cl.conn.TrySend(frame)
}

func (ctl *Controller) respondErr(cl *client, id uint64, err error) {
	frame, merr := encodeErrorResponse(id, err)
	if merr != nil {
		log.Error().Err(merr).Str("module", "signal").Msg("encode error response")
		return
	}
	_ = cl.conn.TrySend(frame)
}
