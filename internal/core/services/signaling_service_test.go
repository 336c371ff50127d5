package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type delivery struct {
	conn  domain.ConnectionID
	event domain.Event
}

// recordingDispatcher captures deliveries; connections listed in full
// refuse them.
type recordingDispatcher struct {
	mu         sync.Mutex
	deliveries []delivery
	full       map[domain.ConnectionID]bool
}

func (d *recordingDispatcher) Deliver(connID domain.ConnectionID, event domain.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full[connID] {
		return false
	}
	d.deliveries = append(d.deliveries, delivery{conn: connID, event: event})
	return true
}

func (d *recordingDispatcher) take() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.deliveries
	d.deliveries = nil
	return out
}

func (d *recordingDispatcher) to(conn domain.ConnectionID, typ domain.EventType) []domain.Event {
	var events []domain.Event
	for _, del := range d.take() {
		if del.conn == conn && del.event.Type == typ {
			events = append(events, del.event)
		}
	}
	return events
}

type MockPresencePublisher struct {
	mock.Mock
}

func (m *MockPresencePublisher) PublishPresence(ctx context.Context, identity domain.UserIdentity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

type relayFixture struct {
	registry   ports.PresenceRegistry
	dispatcher *recordingDispatcher
	signaling  ports.SignalingService
}

func newRelayFixture(notifyDisplaced bool) *relayFixture {
	registry := memory.NewPresenceRegistry()
	dispatcher := &recordingDispatcher{full: map[domain.ConnectionID]bool{}}
	signaling := NewSignalingService(registry, dispatcher, nil, nil, SignalingConfig{NotifyDisplaced: notifyDisplaced}, zap.NewNop().Sugar())
	return &relayFixture{registry: registry, dispatcher: dispatcher, signaling: signaling}
}

func (f *relayFixture) register(t *testing.T, conn domain.ConnectionID, user domain.UserID, name string) {
	t.Helper()
	require.NoError(t, f.signaling.Register(context.Background(), conn, user, name))
}

func TestSignalingService_RegisterBroadcastsToOthersOnly(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c1", "a1", "Alice")
	assert.Empty(t, f.dispatcher.take(), "first user has nobody to notify")

	f.register(t, "c2", "b1", "Bob")
	deliveries := f.dispatcher.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.ConnectionID("c1"), deliveries[0].conn)
	assert.Equal(t, domain.EventUserStatusChanged, deliveries[0].event.Type)
	assert.Equal(t, domain.UserIdentity{UserID: "b1", DisplayName: "Bob", Online: true}, deliveries[0].event.Payload)
}

func TestSignalingService_RegisterValidatesIdentity(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()

	assert.ErrorIs(t, f.signaling.Register(ctx, "c1", "", "Alice"), domain.ErrInvalidIdentity)
	assert.ErrorIs(t, f.signaling.Register(ctx, "c1", "a b", "Alice"), domain.ErrInvalidIdentity)
	assert.ErrorIs(t, f.signaling.Register(ctx, "c1", "a1", strings.Repeat("x", 101)), domain.ErrInvalidIdentity)
	assert.Zero(t, f.registry.Count())
}

func TestSignalingService_EmptyDisplayNameFallsBackToUserID(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c1", "a1", "")

	b, ok := f.registry.Lookup("a1")
	require.True(t, ok)
	assert.Equal(t, "a1", b.DisplayName)
}

func TestSignalingService_InitiateCallScenario(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	resp := f.signaling.InitiateCall(ctx, "c1", "b1")
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Reason)

	deliveries := f.dispatcher.take()
	require.Len(t, deliveries, 1, "exactly one incomingCall, to the callee only")
	assert.Equal(t, domain.ConnectionID("c2"), deliveries[0].conn)
	assert.Equal(t, domain.EventIncomingCall, deliveries[0].event.Type)
	assert.Equal(t, domain.CallRequest{CallerID: "a1", CallerName: "Alice", CalleeID: "b1"}, deliveries[0].event.Payload)

	f.signaling.RespondToCall(ctx, "c2", "a1", true)
	responses := f.dispatcher.to("c1", domain.EventCallResponseReceived)
	require.Len(t, responses, 1)
	assert.Equal(t, domain.UserID("b1"), responses[0].From)
	assert.Equal(t, domain.CallResponsePayload{Accepted: true}, responses[0].Payload)
}

func TestSignalingService_InitiateCallFromUnregisteredCaller(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	resp := f.signaling.InitiateCall(context.Background(), "c9", "b1")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ReasonNotRegistered, resp.Reason)
	assert.Empty(t, f.dispatcher.take())
}

func TestSignalingService_InitiateCallToOfflineCallee(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c1", "a1", "Alice")
	f.dispatcher.take()

	resp := f.signaling.InitiateCall(context.Background(), "c1", "nobody")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ReasonTargetOffline, resp.Reason)
	assert.Empty(t, f.dispatcher.take())
}

func TestSignalingService_InitiateCallFromDisplacedConnection(t *testing.T) {
	f := newRelayFixture(false)
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c3", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	resp := f.signaling.InitiateCall(context.Background(), "c1", "b1")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ReasonNotRegistered, resp.Reason)
}

func TestSignalingService_EndCallToDisconnectedUserIsNoOp(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.signaling.Disconnect(ctx, "c2")
	f.dispatcher.take()

	f.signaling.EndCall(ctx, "c1", "b1")
	f.signaling.RespondToCall(ctx, "c1", "b1", false)
	assert.Empty(t, f.dispatcher.take())
}

func TestSignalingService_EndCallDelivered(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	f.signaling.EndCall(ctx, "c1", "b1")
	ended := f.dispatcher.to("c2", domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.UserID("a1"), ended[0].From)
}

func TestSignalingService_RelayFromUnregisteredSenderDropped(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	f.signaling.RespondToCall(context.Background(), "c9", "b1", true)
	assert.Empty(t, f.dispatcher.take())
}

func TestSignalingService_EndCallFromUnregisteredSender(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	f.signaling.EndCall(context.Background(), "c9", "b1")
	ended := f.dispatcher.to("c2", domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Empty(t, ended[0].From)
	assert.Nil(t, ended[0].Payload)
}

func TestSignalingService_DisconnectBroadcastsOffline(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.register(t, "c3", "d1", "Dave")
	f.dispatcher.take()

	f.signaling.Disconnect(ctx, "c2")

	deliveries := f.dispatcher.take()
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.NotEqual(t, domain.ConnectionID("c2"), d.conn)
		assert.Equal(t, domain.UserIdentity{UserID: "b1", DisplayName: "Bob", Online: false}, d.event.Payload)
	}
	assert.Len(t, f.signaling.GetOnlineUsers(ctx), 2)

	// Unbound connections disconnect silently.
	f.signaling.Disconnect(ctx, "c-unknown")
	assert.Empty(t, f.dispatcher.take())
}

func TestSignalingService_ReRegistrationNotifiesDisplaced(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	f.register(t, "c3", "a1", "Alice")
	replaced := f.dispatcher.take()

	var sawReplaced bool
	for _, d := range replaced {
		if d.event.Type == domain.EventSessionReplaced {
			sawReplaced = true
			assert.Equal(t, domain.ConnectionID("c1"), d.conn)
		}
		if d.event.Type == domain.EventUserStatusChanged {
			assert.Equal(t, domain.ConnectionID("c2"), d.conn, "displaced connection is no longer bound")
		}
	}
	assert.True(t, sawReplaced)

	// The stale connection going away must not mark a1 offline.
	f.signaling.Disconnect(ctx, "c1")
	assert.Empty(t, f.dispatcher.take())
	conn, ok := f.registry.LookupConnection("a1")
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionID("c3"), conn)
}

func TestSignalingService_ReRegistrationSilentWhenDisabled(t *testing.T) {
	f := newRelayFixture(false)
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c3", "a1", "Alice")

	for _, d := range f.dispatcher.take() {
		assert.NotEqual(t, domain.EventSessionReplaced, d.event.Type)
	}
}

func TestSignalingService_ConnectionSwitchingUserAnnouncesOldOffline(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	f.register(t, "c1", "z1", "Zed")
	statuses := f.dispatcher.to("c2", domain.EventUserStatusChanged)
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.UserIdentity{UserID: "a1", DisplayName: "Alice", Online: false}, statuses[0].Payload)
	assert.Equal(t, domain.UserIdentity{UserID: "z1", DisplayName: "Zed", Online: true}, statuses[1].Payload)
}

func TestSignalingService_PublishesPresence(t *testing.T) {
	registry := memory.NewPresenceRegistry()
	dispatcher := &recordingDispatcher{full: map[domain.ConnectionID]bool{}}
	publisher := &MockPresencePublisher{}
	publisher.On("PublishPresence", mock.Anything, domain.UserIdentity{UserID: "a1", DisplayName: "Alice", Online: true}).Return(nil).Once()
	publisher.On("PublishPresence", mock.Anything, domain.UserIdentity{UserID: "a1", DisplayName: "Alice", Online: false}).Return(assert.AnError).Once()

	signaling := NewSignalingService(registry, dispatcher, publisher, nil, SignalingConfig{}, zap.NewNop().Sugar())
	require.NoError(t, signaling.Register(context.Background(), "c1", "a1", "Alice"))
	signaling.Disconnect(context.Background(), "c1")

	publisher.AssertExpectations(t)
}

func TestSignalingService_FullQueueStillReportsCallSuccess(t *testing.T) {
	f := newRelayFixture(true)
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.full["c2"] = true
	f.dispatcher.take()

	resp := f.signaling.InitiateCall(context.Background(), "c1", "b1")
	assert.True(t, resp.Success)
	assert.Empty(t, f.dispatcher.take())
}

func TestNegotiationService_ForwardsPayloadUnchanged(t *testing.T) {
	f := newRelayFixture(true)
	ctx := context.Background()
	negotiation := NewNegotiationService(f.signaling, zap.NewNop().Sugar())
	f.register(t, "c1", "a1", "Alice")
	f.register(t, "c2", "b1", "Bob")
	f.dispatcher.take()

	payloads := []string{"", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n", strings.Repeat("a=candidate:x\r\n", 20000)}
	for _, sdp := range payloads {
		offer := domain.SessionDescription{Type: "offer", SDP: sdp}
		negotiation.SendOffer(ctx, "c1", "b1", offer)
		got := f.dispatcher.to("c2", domain.EventReceiveOffer)
		require.Len(t, got, 1)
		assert.Equal(t, offer, got[0].Payload)
		assert.Equal(t, domain.UserID("a1"), got[0].From)
	}

	answer := domain.SessionDescription{Type: "answer", SDP: "v=0"}
	negotiation.SendAnswer(ctx, "c2", "a1", answer)
	got := f.dispatcher.to("c1", domain.EventReceiveAnswer)
	require.Len(t, got, 1)
	assert.Equal(t, answer, got[0].Payload)

	candidate := domain.IceCandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host", SDPMid: "0", SDPMLineIndex: 0}
	negotiation.SendIceCandidate(ctx, "c1", "b1", candidate)
	cands := f.dispatcher.to("c2", domain.EventReceiveIceCandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, candidate, cands[0].Payload)
}

func TestNegotiationService_OfflineTargetIsNoOp(t *testing.T) {
	f := newRelayFixture(true)
	negotiation := NewNegotiationService(f.signaling, zap.NewNop().Sugar())
	f.register(t, "c1", "a1", "Alice")
	f.dispatcher.take()

	negotiation.SendOffer(context.Background(), "c1", "gone", domain.SessionDescription{Type: "offer", SDP: "x"})
	negotiation.SendIceCandidate(context.Background(), "c1", "gone", domain.IceCandidate{Candidate: "c"})
	assert.Empty(t, f.dispatcher.take())
}
