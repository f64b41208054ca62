package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

var idSeq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

// fakeConn records every frame delivered to the connection.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// eventsOfType decodes the recorded frames and returns the data
// payloads of every event matching the given type.
func (c *fakeConn) eventsOfType(event string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var env struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(f, &env); err != nil {
			continue
		}
		if env.Type == event {
			out = append(out, env.Data)
		}
	}
	return out
}

type statusCall struct {
	token string
	state domain.SessionState
}

type logCall struct {
	flagKey    string
	token      string
	attachment map[string]any
}

// fakeBackend is a scriptable core.Backend that records every call.
type fakeBackend struct {
	mu sync.Mutex

	signinValid      bool
	signinErr        error
	sessionDetailErr error
	statusErr        error
	uploadPath       string
	uploadErr        error

	signins  []string
	details  []domain.DeviceInfo
	statuses []statusCall
	logs     []logCall
	uploads  [][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{signinValid: true, uploadPath: "/uploads/image.png"}
}

func (b *fakeBackend) Signin(_ context.Context, token string) (core.SigninResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signins = append(b.signins, token)
	if b.signinErr != nil {
		return core.SigninResult{}, b.signinErr
	}
	return core.SigninResult{Valid: b.signinValid, User: "student"}, nil
}

func (b *fakeBackend) SessionDetail(_ context.Context, _ string, info domain.DeviceInfo, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.details = append(b.details, info)
	return b.sessionDetailErr
}

func (b *fakeBackend) UpdateSessionStatus(_ context.Context, token string, state domain.SessionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return b.statusErr
	}
	b.statuses = append(b.statuses, statusCall{token: token, state: state})
	return nil
}

func (b *fakeBackend) SaveLog(_ context.Context, flagKey, token string, attachment map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, logCall{flagKey: flagKey, token: token, attachment: attachment})
	return nil
}

func (b *fakeBackend) UploadFile(_ context.Context, _ string, content []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, content)
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	return b.uploadPath, nil
}

func (b *fakeBackend) lastStatus() (statusCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.statuses) == 0 {
		return statusCall{}, false
	}
	return b.statuses[len(b.statuses)-1], true
}

// fakeEngine hands out fake routers and counts them.
type fakeEngine struct {
	mu        sync.Mutex
	createErr error
	routers   []*fakeRouter
}

func (e *fakeEngine) CreateRouter(context.Context) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	r := &fakeRouter{id: nextID("router"), canConsume: true}
	e.routers = append(e.routers, r)
	return r, nil
}

func (e *fakeEngine) OnDied(func(error)) {}

func (e *fakeEngine) created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

type fakeRouter struct {
	id         string
	canConsume bool
	closed     atomic.Bool
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) Capabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (r *fakeRouter) CreateTransport(context.Context) (core.Transport, core.TransportInfo, error) {
	t := &fakeTransport{id: nextID("transport"), router: r}
	info := core.TransportInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{}`),
	}
	return t, info, nil
}

func (r *fakeRouter) CanConsume(string, json.RawMessage) bool { return r.canConsume }

func (r *fakeRouter) Close() { r.closed.Store(true) }

type fakeTransport struct {
	id         string
	router     *fakeRouter
	connected  atomic.Bool
	closeCount atomic.Int32
	dtlsClosed func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Connect(context.Context, json.RawMessage) error {
	t.connected.Store(true)
	return nil
}

func (t *fakeTransport) Produce(_ context.Context, kind core.MediaKind, _, _ json.RawMessage) (core.Producer, error) {
	return &fakeProducer{id: nextID("producer"), kind: kind}, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _, _ json.RawMessage) (core.Consumer, error) {
	return &fakeConsumer{id: nextID("consumer"), producerID: producerID, kind: core.KindVideo}, nil
}

func (t *fakeTransport) Stats(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (t *fakeTransport) OnDTLSClosed(fn func()) { t.dtlsClosed = fn }

func (t *fakeTransport) Close() { t.closeCount.Add(1) }

type fakeProducer struct {
	id         string
	kind       core.MediaKind
	closeCount atomic.Int32
	onClosed   func()
}

func (p *fakeProducer) ID() string           { return p.id }
func (p *fakeProducer) Kind() core.MediaKind { return p.kind }
func (p *fakeProducer) OnClosed(fn func())   { p.onClosed = fn }
func (p *fakeProducer) Close()               { p.closeCount.Add(1) }

type fakeConsumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	closeCount atomic.Int32
	resumed    atomic.Bool
}

func (c *fakeConsumer) ID() string                     { return c.id }
func (c *fakeConsumer) Kind() core.MediaKind           { return c.kind }
func (c *fakeConsumer) RTPParameters() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }
func (c *fakeConsumer) Resume(context.Context) error {
	c.resumed.Store(true)
	return nil
}
func (c *fakeConsumer) Close() { c.closeCount.Add(1) }
