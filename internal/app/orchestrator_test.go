package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

type orchFixture struct {
	orch    *Orchestrator
	engine  *fakeEngine
	backend *fakeBackend
}

func newOrchFixture() *orchFixture {
	engine := &fakeEngine{}
	backend := newFakeBackend()
	return &orchFixture{
		orch:    NewOrchestrator(engine, backend, testAdminSecret),
		engine:  engine,
		backend: backend,
	}
}

func (f *orchFixture) join(t *testing.T, id domain.ConnID, role domain.Role, token string, room domain.RoomID) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	_, err := f.orch.Join(context.Background(), id, conn, role, token, "10.0.0.1", room)
	require.NoError(t, err)
	return conn
}

func (f *orchFixture) produce(t *testing.T, id domain.ConnID) string {
	t.Helper()
	_, err := f.orch.CreateTransport(context.Background(), id, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.ConnectSendTransport(context.Background(), id, json.RawMessage(`{}`)))
	res, err := f.orch.Produce(context.Background(), id, core.KindVideo, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	return res.ProducerID
}

func (f *orchFixture) consume(t *testing.T, id domain.ConnID, producerID string) string {
	t.Helper()
	info, err := f.orch.CreateTransport(context.Background(), id, true)
	require.NoError(t, err)
	require.NoError(t, f.orch.ConnectRecvTransport(context.Background(), info.ID, json.RawMessage(`{}`)))
	res, err := f.orch.Consume(context.Background(), id, json.RawMessage(`{}`), producerID, info.ID)
	require.NoError(t, err)
	return res.ConsumerID
}

func TestJoinParticipantMarksOngoing(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")

	last, ok := f.backend.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.StateOngoing, last.state)
	_, ok = f.orch.Peers.Get("conn-a")
	assert.True(t, ok)
}

func TestJoinParticipantStatusFailureAborts(t *testing.T) {
	f := newOrchFixture()
	f.backend.statusErr = assert.AnError

	conn := &fakeConn{}
	_, err := f.orch.Join(context.Background(), "conn-a", conn, domain.RoleParticipant, "tok", "10.0.0.1", "exam-1")
	require.Error(t, err)

	_, ok := f.orch.Peers.Get("conn-a")
	assert.False(t, ok)
	assert.False(t, f.orch.Rooms.Exists("exam-1"))
}

func TestJoinToSecondRoomRefused(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")

	conn := &fakeConn{}
	_, err := f.orch.Join(context.Background(), "conn-a", conn, domain.RoleParticipant, "tok", "10.0.0.1", "exam-2")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeBadRequest, perr.Code)

	// The first membership is untouched and no second room appears.
	peer, ok := f.orch.Peers.Get("conn-a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("exam-1"), peer.RoomID)
	assert.False(t, f.orch.Rooms.Exists("exam-2"))
}

func TestRejoinSameRoomIsIdempotent(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")

	assert.Equal(t, 1, f.engine.created())
	peer, ok := f.orch.Peers.Get("conn-a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("exam-1"), peer.RoomID)
}

func TestJoinAdminSkipsStatusMachine(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleAdmin, "", "exam-1")

	_, ok := f.backend.lastStatus()
	assert.False(t, ok)
}

func TestProduceBeforeCreateTransport(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")

	_, err := f.orch.Produce(context.Background(), "conn-a", core.KindVideo, json.RawMessage(`{}`), nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeNoSendTransport, perr.Code)

	// The connection stays usable and the normal sequence succeeds.
	producerID := f.produce(t, "conn-a")

	f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	ids, err := f.orch.Producers("conn-b")
	require.NoError(t, err)
	assert.Equal(t, []string{producerID}, ids)
}

func TestSecondSendTransportRefused(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")

	_, err := f.orch.CreateTransport(context.Background(), "conn-a", false)
	require.NoError(t, err)
	_, err = f.orch.CreateTransport(context.Background(), "conn-a", false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeSendTransportExists, perr.Code)

	// Receive transports stay unbounded.
	_, err = f.orch.CreateTransport(context.Background(), "conn-a", true)
	assert.NoError(t, err)
	_, err = f.orch.CreateTransport(context.Background(), "conn-a", true)
	assert.NoError(t, err)
}

func TestProduceAnnouncesToAdminsAndProducerOwners(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerConn := f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	idleConn := f.join(t, "conn-c", domain.RoleParticipant, "tok-c", "exam-1")
	adminConn := f.join(t, "conn-d", domain.RoleAdmin, "", "exam-1")

	f.produce(t, "conn-b")
	producerID := f.produce(t, "conn-a")

	events := producerConn.eventsOfType(EventNewProducer)
	require.Len(t, events, 1)
	assert.Equal(t, producerID, events[0]["producerId"])

	assert.Len(t, adminConn.eventsOfType(EventNewProducer), 2)
	assert.Empty(t, idleConn.eventsOfType(EventNewProducer))
}

func TestConsumeRequiresReceiveTransport(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerID := f.produce(t, "conn-a")

	f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	_, err := f.orch.Consume(context.Background(), "conn-b", json.RawMessage(`{}`), producerID, "missing")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeTransportNotFound, perr.Code)
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	info, err := f.orch.CreateTransport(context.Background(), "conn-a", true)
	require.NoError(t, err)

	_, err = f.orch.Consume(context.Background(), "conn-a", json.RawMessage(`{}`), "missing", info.ID)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeProducerNotFound, perr.Code)
}

func TestConsumeCapabilityRefusal(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerID := f.produce(t, "conn-a")
	f.engine.routers[0].canConsume = false

	f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	info, err := f.orch.CreateTransport(context.Background(), "conn-b", true)
	require.NoError(t, err)

	_, err = f.orch.Consume(context.Background(), "conn-b", json.RawMessage(`{}`), producerID, info.ID)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeCannotConsume, perr.Code)
}

func TestResumeConsumer(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerID := f.produce(t, "conn-a")
	f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	consumerID := f.consume(t, "conn-b", producerID)

	require.NoError(t, f.orch.ResumeConsumer(context.Background(), consumerID))

	rec, ok := f.orch.Resources.Consumer(consumerID)
	require.True(t, ok)
	assert.True(t, rec.Consumer.(*fakeConsumer).resumed.Load())
}

// A producing connection with two remote consumers disconnects: each
// consumer's owner hears producerClosed exactly once and no stale
// records remain.
func TestDisconnectCascade(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerID := f.produce(t, "conn-a")

	connB := f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	connC := f.join(t, "conn-c", domain.RoleParticipant, "tok-c", "exam-1")
	consumerB := f.consume(t, "conn-b", producerID)
	consumerC := f.consume(t, "conn-c", producerID)

	f.orch.Disconnect(context.Background(), "conn-a", "tok-a")

	eventsB := connB.eventsOfType(EventProducerClosed)
	require.Len(t, eventsB, 1)
	assert.Equal(t, producerID, eventsB[0]["producerId"])
	eventsC := connC.eventsOfType(EventProducerClosed)
	require.Len(t, eventsC, 1)
	assert.Equal(t, producerID, eventsC[0]["producerId"])

	_, ok := f.orch.Resources.Producer(producerID)
	assert.False(t, ok)
	_, ok = f.orch.Resources.Consumer(consumerB)
	assert.False(t, ok)
	_, ok = f.orch.Resources.Consumer(consumerC)
	assert.False(t, ok)

	_, ok = f.orch.Peers.Get("conn-a")
	assert.False(t, ok)

	last, ok := f.backend.lastStatus()
	require.True(t, ok)
	assert.Equal(t, statusCall{token: "tok-a", state: domain.StatePaused}, last)
}

// The engine's closed notification racing the disconnect cascade must
// not double-close or double-notify.
func TestEngineClosedNotificationAfterDisconnect(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok-a", "exam-1")
	producerID := f.produce(t, "conn-a")
	connB := f.join(t, "conn-b", domain.RoleParticipant, "tok-b", "exam-1")
	f.consume(t, "conn-b", producerID)

	f.orch.Disconnect(context.Background(), "conn-a", "tok-a")
	f.orch.HandleProducerClosed(producerID)

	assert.Len(t, connB.eventsOfType(EventProducerClosed), 1)
}

func TestDisconnectFreesToken(t *testing.T) {
	f := newOrchFixture()
	_, err := f.orch.Gate.Admit(context.Background(), "conn-a", domain.Credentials{Token: "tok"})
	require.NoError(t, err)
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")

	f.orch.Disconnect(context.Background(), "conn-a", "tok")

	assert.False(t, f.orch.Gate.TokenActive("tok"))
	assert.False(t, f.orch.Rooms.Exists("exam-1"))
}

func TestSessionEndCompletes(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	adminConn := f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	f.orch.SessionEnd(context.Background(), "conn-a")

	last, ok := f.backend.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.StateCompleted, last.state)

	require.Len(t, f.backend.logs, 1)
	assert.Equal(t, FlagProctorStopped, f.backend.logs[0].flagKey)
	assert.Len(t, adminConn.eventsOfType(EventLogMessage), 1)

	// The completed token leaves the status mirror.
	_, tracked := f.orch.Status.State("tok")
	assert.False(t, tracked)
}

func TestDashboardPrivateMessage(t *testing.T) {
	f := newOrchFixture()
	target := f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	data := json.RawMessage(`{"action":"PRIVATE_MESSAGE","token":"tok","message":{"text":"eyes on your own screen"}}`)
	ok, err := f.orch.Dashboard(context.Background(), "conn-b", ActionPrivateMessage, data)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, target.eventsOfType(EventPrivateMessage), 1)
}

func TestDashboardAbortFailureWithholdsMessage(t *testing.T) {
	f := newOrchFixture()
	target := f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")
	f.backend.statusErr = assert.AnError

	data := json.RawMessage(`{"action":"ABORT_PROCTORING","token":"tok","state":"COMPLETED","message":{"text":"session aborted"}}`)
	ok, err := f.orch.Dashboard(context.Background(), "conn-b", ActionAbortProctoring, data)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, target.eventsOfType(EventPrivateMessage))
}

func TestDashboardAbortSuccess(t *testing.T) {
	f := newOrchFixture()
	target := f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	data := json.RawMessage(`{"action":"ABORT_PROCTORING","token":"tok","state":"COMPLETED","message":{"text":"session aborted"}}`)
	ok, err := f.orch.Dashboard(context.Background(), "conn-b", ActionAbortProctoring, data)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, target.eventsOfType(EventPrivateMessage), 1)
}

func TestDashboardUnknownAction(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleAdmin, "", "exam-1")

	_, err := f.orch.Dashboard(context.Background(), "conn-a", "SELF_DESTRUCT", json.RawMessage(`{}`))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnknownAction, perr.Code)
}

func TestExtensionLogMessageDetectsShortcuts(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	adminConn := f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	data := json.RawMessage(`{"action":"LOG_MESSAGE","flagKey":"KEYSTROKES","message":"typed [CTRL+C] then [ctrl+v]"}`)
	res, err := f.orch.Extension(context.Background(), "conn-a", ActionLogMessage, data)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// One log for the message itself plus one per detected shortcut.
	require.Len(t, f.backend.logs, 3)
	assert.Equal(t, "KEYSTROKES", f.backend.logs[0].flagKey)
	assert.Equal(t, FlagShortcutDetected, f.backend.logs[1].flagKey)
	assert.Equal(t, FlagShortcutDetected, f.backend.logs[2].flagKey)
	assert.Len(t, adminConn.eventsOfType(EventLogMessage), 3)
}

func TestExtensionUpdateDeviceInfoVM(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	adminConn := f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	data := json.RawMessage(`{"action":"UPDATE_DEVICE_INFO","deviceInfo":{"deviceId":"dev-1","gpu":"VMware SVGA II","cpuNumOfProcessors":8,"ramSize":"16"}}`)
	res, err := f.orch.Extension(context.Background(), "conn-a", ActionUpdateDeviceInfo, data)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Authenticate)
	assert.True(t, *res.Authenticate)

	assert.Len(t, adminConn.eventsOfType(EventVMDetected), 1)
	require.Len(t, f.backend.details, 1)
	assert.True(t, f.backend.details[0].IsVM)
}

func TestExtensionUpdateDeviceInfoBackendFailure(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	f.backend.sessionDetailErr = assert.AnError

	data := json.RawMessage(`{"action":"UPDATE_DEVICE_INFO","deviceInfo":{"deviceId":"dev-1","gpu":"NVIDIA","cpuNumOfProcessors":8,"ramSize":"16"}}`)
	res, err := f.orch.Extension(context.Background(), "conn-a", ActionUpdateDeviceInfo, data)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Authenticate)
	assert.False(t, *res.Authenticate)
}

func TestExtensionPrivateMessageReachesAdmins(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	adminConn := f.join(t, "conn-b", domain.RoleAdmin, "", "exam-1")

	data := json.RawMessage(`{"action":"PRIVATE_MESSAGE","message":"may I use the restroom"}`)
	res, err := f.orch.Extension(context.Background(), "conn-a", ActionPrivateMessage, data)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Authenticate)
	assert.Len(t, adminConn.eventsOfType(EventPrivateMessage), 1)
}

func TestTransportStats(t *testing.T) {
	f := newOrchFixture()
	f.join(t, "conn-a", domain.RoleParticipant, "tok", "exam-1")
	info, err := f.orch.CreateTransport(context.Background(), "conn-a", false)
	require.NoError(t, err)

	stats, err := f.orch.TransportStats(context.Background(), info.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(stats))

	_, err = f.orch.TransportStats(context.Background(), "missing")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeTransportNotFound, perr.Code)
}

func TestRequestsBeforeJoinAreProtocolErrors(t *testing.T) {
	f := newOrchFixture()

	_, err := f.orch.CreateTransport(context.Background(), "ghost", false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeNotJoined, perr.Code)

	_, err = f.orch.Producers("ghost")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeNotJoined, perr.Code)
}
