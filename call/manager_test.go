package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/adapt"
	"github.com/opd-ai/peercall/bridge"
	"github.com/opd-ai/peercall/events"
	"github.com/opd-ai/peercall/identity"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/transport"
)

type testPeer struct {
	id  identity.Identity
	sig *signaling.Handler
	br  *bridge.Bridge
	mgr *Manager
}

// newTestPeer builds a full stack for one peer on the shared network and
// starts it.
func newTestPeer(t *testing.T, net *transport.MemoryNetwork, name string, cfg Config) *testPeer {
	t.Helper()

	id := identity.MustParse(name)
	ep := net.Endpoint(id)

	sig, err := signaling.NewHandler(ep, signaling.Config{})
	require.NoError(t, err)

	br, err := bridge.New(ep, bridge.Config{})
	require.NoError(t, err)
	ep.OnInboundConn(func(from identity.Identity, conn bridge.Conn) {
		br.AttachConn(from, conn)
	})

	mgr, err := NewManager(id, sig, br, adapt.NewEngine(adapt.Config{}), cfg)
	require.NoError(t, err)

	require.NoError(t, sig.Start(context.Background()))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		mgr.Stop()
		sig.Stop()
		br.Close()
	})

	return &testPeer{id: id, sig: sig, br: br, mgr: mgr}
}

// registerEndpoints creates bare endpoints so sends to these peers succeed
// even though nobody is answering.
func registerEndpoints(net *transport.MemoryNetwork, names ...string) {
	for _, n := range names {
		net.Endpoint(identity.MustParse(n))
	}
}

func waitForEvent(t *testing.T, sub *events.Subscription[Event], typ EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitForState(t *testing.T, m *Manager, id CallID, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := m.GetCallState(id)
		return err == nil && got == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

func audioVideo() MediaConstraints {
	return MediaConstraints{Audio: true, Video: true}
}

func TestCallFlowInitiateAcceptEnd(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	bob := newTestPeer(t, net, "bob", Config{})

	aliceSub := alice.mgr.SubscribeEvents()
	defer aliceSub.Cancel()
	bobSub := bob.mgr.SubscribeEvents()
	defer bobSub.Cancel()

	// Alice calls Bob requesting audio and video.
	id, err := alice.mgr.InitiateCall(bob.id, audioVideo())
	require.NoError(t, err)

	state, err := alice.mgr.GetCallState(id)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, state)

	// Bob sees the incoming call with the same id and the offered media.
	incoming := waitForEvent(t, bobSub, EventIncomingCall)
	assert.Equal(t, id, incoming.CallID)
	assert.Equal(t, alice.id.UniqueID(), incoming.Peer.UniqueID())

	bobSess, err := bob.mgr.GetSession(id)
	require.NoError(t, err)
	assert.True(t, bobSess.Inbound)
	assert.True(t, bobSess.Constraints.Audio)
	assert.True(t, bobSess.Constraints.Video)

	// Bob accepts; both sides reach Connected.
	require.NoError(t, bob.mgr.AcceptCall(context.Background(), id, audioVideo()))
	waitForState(t, bob.mgr, id, StateConnected)
	waitForState(t, alice.mgr, id, StateConnected)

	// Quality history starts empty but present.
	metrics, err := alice.mgr.GetQualityMetrics(id)
	require.NoError(t, err)
	assert.NotNil(t, metrics)
	assert.Empty(t, metrics)

	// Three consecutive 40% loss samples trigger a downgrade.
	for i := 0; i < 3; i++ {
		require.NoError(t, alice.mgr.RecordQuality(id, QualityMetrics{
			RTT:               120 * time.Millisecond,
			PacketLossPercent: 40,
			BandwidthEstimate: 500_000,
		}))
	}
	adaptation := waitForEvent(t, aliceSub, EventAdaptation)
	require.NotNil(t, adaptation.Recommendation)
	assert.Equal(t, adapt.Down, adaptation.Recommendation.Direction)

	metrics, err = alice.mgr.GetQualityMetrics(id)
	require.NoError(t, err)
	assert.Len(t, metrics, 3)

	// Alice hangs up; the call disappears on both sides.
	require.NoError(t, alice.mgr.EndCall(id))
	_, err = alice.mgr.GetCallState(id)
	assert.ErrorIs(t, err, ErrNotFound)

	ended := waitForEvent(t, bobSub, EventCallEnded)
	assert.Equal(t, ReasonRemoteEnded, ended.Reason)
	require.Eventually(t, func() bool {
		_, err := bob.mgr.GetCallState(id)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	// Ending again is a quiet no-op.
	assert.NoError(t, alice.mgr.EndCall(id))
}

func TestRejectCall(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	bob := newTestPeer(t, net, "bob", Config{})

	aliceSub := alice.mgr.SubscribeEvents()
	defer aliceSub.Cancel()
	bobSub := bob.mgr.SubscribeEvents()
	defer bobSub.Cancel()

	id, err := alice.mgr.InitiateCall(bob.id, audioVideo())
	require.NoError(t, err)

	waitForEvent(t, bobSub, EventIncomingCall)
	require.NoError(t, bob.mgr.RejectCall(id))

	// The caller learns the call was rejected.
	failed := waitForEvent(t, aliceSub, EventConnectionFailed)
	assert.Equal(t, ReasonRejected, failed.Reason)

	state, err := alice.mgr.GetCallState(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	// Rejecting again is a quiet no-op on the already-failed session.
	assert.NoError(t, bob.mgr.RejectCall(id))
}

func TestIdempotenceAndNotFound(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	registerEndpoints(net, "bob")

	// A call id that never existed is NotFound, not a no-op.
	ghost := NewCallID()
	assert.ErrorIs(t, alice.mgr.EndCall(ghost), ErrNotFound)
	assert.ErrorIs(t, alice.mgr.RejectCall(ghost), ErrNotFound)
	_, err := alice.mgr.GetCallState(ghost)
	assert.ErrorIs(t, err, ErrNotFound)

	// An ended call is remembered; end/reject become no-ops.
	id, err := alice.mgr.InitiateCall(identity.MustParse("bob"), audioVideo())
	require.NoError(t, err)
	require.NoError(t, alice.mgr.EndCall(id))
	assert.NoError(t, alice.mgr.EndCall(id))
	assert.NoError(t, alice.mgr.RejectCall(id))
	assert.NoError(t, alice.mgr.AcceptCall(context.Background(), id, audioVideo()))

	_, err = alice.mgr.GetCallState(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiateCallValidation(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})

	_, err := alice.mgr.InitiateCall(nil, audioVideo())
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = alice.mgr.InitiateCall(identity.MustParse("bob"), MediaConstraints{})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestConcurrentCallCap(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{MaxConcurrentCalls: 4})
	registerEndpoints(net, "peer0", "peer1", "peer2", "peer3", "peer4")

	ids := make([]CallID, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := alice.mgr.InitiateCall(identity.MustParse(fmt.Sprintf("peer%d", i)), audioVideo())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// The fifth call hits the cap and existing calls are untouched.
	_, err := alice.mgr.InitiateCall(identity.MustParse("peer4"), audioVideo())
	assert.ErrorIs(t, err, ErrResourceExhausted)
	for _, id := range ids {
		state, err := alice.mgr.GetCallState(id)
		require.NoError(t, err)
		assert.Equal(t, StateCalling, state)
	}

	// Ending one frees capacity.
	require.NoError(t, alice.mgr.EndCall(ids[0]))
	_, err = alice.mgr.InitiateCall(identity.MustParse("peer4"), audioVideo())
	assert.NoError(t, err)
}

func TestInboundBusyRejection(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	bob := newTestPeer(t, net, "bob", Config{MaxConcurrentCalls: 1})
	registerEndpoints(net, "carol")

	aliceSub := alice.mgr.SubscribeEvents()
	defer aliceSub.Cancel()

	// Bob is already on a call.
	_, err := bob.mgr.InitiateCall(identity.MustParse("carol"), audioVideo())
	require.NoError(t, err)

	// Alice's call bounces off with busy.
	id, err := alice.mgr.InitiateCall(bob.id, audioVideo())
	require.NoError(t, err)

	failed := waitForEvent(t, aliceSub, EventConnectionFailed)
	assert.Equal(t, id, failed.CallID)
	assert.Equal(t, ReasonBusy, failed.Reason)

	require.Eventually(t, func() bool { return bob.mgr.Stats().BusyRejected == 1 },
		3*time.Second, 5*time.Millisecond)
}

func TestInvalidStateTransitions(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	registerEndpoints(net, "bob")

	id, err := alice.mgr.InitiateCall(identity.MustParse("bob"), audioVideo())
	require.NoError(t, err)

	// Accepting your own outbound call is illegal.
	err = alice.mgr.AcceptCall(context.Background(), id, audioVideo())
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// Accept with no media requested is rejected before state checks.
	err = alice.mgr.AcceptCall(context.Background(), id, MediaConstraints{})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSetupTimeoutSweep(t *testing.T) {
	net := transport.NewMemoryNetwork()
	registerEndpoints(net, "bob")
	alice := identity.MustParse("alice")
	ep := net.Endpoint(alice)

	sig, err := signaling.NewHandler(ep, signaling.Config{})
	require.NoError(t, err)
	br, err := bridge.New(ep, bridge.Config{})
	require.NoError(t, err)
	defer br.Close()

	mgr, err := NewManager(alice, sig, br, adapt.NewEngine(adapt.Config{}), Config{
		SetupTimeout:      30 * time.Second,
		FailedGracePeriod: 30 * time.Second,
	})
	require.NoError(t, err)

	clock := newManagerClock()
	mgr.SetTimeProvider(clock)

	sub := mgr.SubscribeEvents()
	defer sub.Cancel()

	id, err := mgr.InitiateCall(identity.MustParse("bob"), audioVideo())
	require.NoError(t, err)

	// Before the deadline the sweep leaves the call alone.
	clock.Advance(29 * time.Second)
	mgr.sweep()
	state, err := mgr.GetCallState(id)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, state)

	// Past the deadline it fails with Timeout.
	clock.Advance(2 * time.Second)
	mgr.sweep()
	state, err = mgr.GetCallState(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	failed := waitForEvent(t, sub, EventConnectionFailed)
	assert.Equal(t, ReasonTimeout, failed.Reason)

	// Past the grace period the corpse is removed and tombstoned.
	clock.Advance(31 * time.Second)
	mgr.sweep()
	_, err = mgr.GetCallState(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mgr.EndCall(id))

	// After tombstone retention even the memory of it is gone.
	clock.Advance(6 * time.Minute)
	mgr.sweep()
	assert.ErrorIs(t, mgr.EndCall(id), ErrNotFound)
}

func TestEventFanOutToMultipleSubscribers(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice := newTestPeer(t, net, "alice", Config{})
	registerEndpoints(net, "bob")

	sub1 := alice.mgr.SubscribeEvents()
	defer sub1.Cancel()
	sub2 := alice.mgr.SubscribeEvents()
	defer sub2.Cancel()

	id, err := alice.mgr.InitiateCall(identity.MustParse("bob"), audioVideo())
	require.NoError(t, err)

	ev1 := waitForEvent(t, sub1, EventStateChanged)
	ev2 := waitForEvent(t, sub2, EventStateChanged)
	assert.Equal(t, id, ev1.CallID)
	assert.Equal(t, id, ev2.CallID)
}

type managerClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManagerClock() *managerClock {
	return &managerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *managerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *managerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
