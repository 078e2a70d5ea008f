package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/adapt"
	"github.com/opd-ai/peercall/bridge"
	"github.com/opd-ai/peercall/events"
	"github.com/opd-ai/peercall/identity"
	"github.com/opd-ai/peercall/signaling"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConcurrentCalls = 8
	DefaultSetupTimeout       = 30 * time.Second
	DefaultSweepInterval      = time.Second
	DefaultFailedGracePeriod  = 30 * time.Second
	DefaultTombstoneRetention = 5 * time.Minute
)

// Config tunes a Manager.
type Config struct {
	// MaxConcurrentCalls caps live (non-failed) sessions.
	MaxConcurrentCalls int
	// SetupTimeout bounds how long a call may sit in Calling/Connecting.
	SetupTimeout time.Duration
	// SweepInterval is the cleanup sweep period. Timeouts are enforced by
	// the sweep, not per-call timers.
	SweepInterval time.Duration
	// FailedGracePeriod keeps Failed sessions queryable before removal.
	FailedGracePeriod time.Duration
	// TombstoneRetention is how long removed call ids are remembered so
	// repeated end/reject stay no-ops instead of turning into NotFound.
	TombstoneRetention time.Duration
	// EventBuffer is the per-subscriber event buffer.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.FailedGracePeriod <= 0 {
		c.FailedGracePeriod = DefaultFailedGracePeriod
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = DefaultTombstoneRetention
	}
}

// Stats is a snapshot of manager counters.
type Stats struct {
	CallsInitiated uint64
	CallsAccepted  uint64
	CallsFailed    uint64
	CallsEnded     uint64
	BusyRejected   uint64
}

// Manager owns the call sessions and drives each through the lifecycle
// state machine. It consumes the signaling handler's event stream for the
// remote side of every transition and publishes a merged event stream of
// its own.
//
// Locking discipline: session state is mutated under the lock, the lock is
// released, and only then does signaling or bridge I/O happen.
type Manager struct {
	self   identity.Identity
	sig    *signaling.Handler
	bridge *bridge.Bridge
	engine *adapt.Engine
	cfg    Config

	mu         sync.RWMutex
	sessions   map[CallID]*session
	tombstones map[CallID]time.Time
	running    bool
	closed     bool
	cancel     context.CancelFunc

	wg  sync.WaitGroup
	bus *events.Bus[Event]

	timeProvider TimeProvider

	callsInitiated atomic.Uint64
	callsAccepted  atomic.Uint64
	callsFailed    atomic.Uint64
	callsEnded     atomic.Uint64
	busyRejected   atomic.Uint64
}

// NewManager creates a call manager over the given components.
func NewManager(self identity.Identity, sig *signaling.Handler, br *bridge.Bridge, engine *adapt.Engine, cfg Config) (*Manager, error) {
	if self == nil {
		return nil, fmt.Errorf("%w: self identity is nil", ErrInvalidParameter)
	}
	if sig == nil || br == nil || engine == nil {
		return nil, fmt.Errorf("%w: nil component", ErrInvalidParameter)
	}
	cfg.applyDefaults()

	logrus.WithFields(logrus.Fields{
		"function":      "NewManager",
		"self":          self.String(),
		"max_calls":     cfg.MaxConcurrentCalls,
		"setup_timeout": cfg.SetupTimeout,
	}).Debug("Creating call manager")

	return &Manager{
		self:         self,
		sig:          sig,
		bridge:       br,
		engine:       engine,
		cfg:          cfg,
		sessions:     make(map[CallID]*session),
		tombstones:   make(map[CallID]time.Time),
		bus:          events.NewBus[Event](cfg.EventBuffer),
		timeProvider: DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider overrides the clock, for deterministic sweep tests.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	m.timeProvider = tp
}

func (m *Manager) now() time.Time {
	m.mu.RLock()
	tp := m.timeProvider
	m.mu.RUnlock()
	return tp.Now()
}

// Start launches the cleanup sweep and the signaling consumer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager already running", ErrInvalidStateTransition)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.sweepLoop(loopCtx)
	go m.signalLoop(loopCtx)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
	}).Info("Call manager started")
	return nil
}

// Stop ends every live call's background work and closes the event bus.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.bus.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Stop",
	}).Info("Call manager stopped")
}

// SubscribeEvents returns an independent receiver of the merged event
// stream. Every subscriber sees every event; a slow subscriber drops its
// oldest undelivered events.
func (m *Manager) SubscribeEvents() *events.Subscription[Event] {
	return m.bus.Subscribe()
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		CallsInitiated: m.callsInitiated.Load(),
		CallsAccepted:  m.callsAccepted.Load(),
		CallsFailed:    m.callsFailed.Load(),
		CallsEnded:     m.callsEnded.Load(),
		BusyRejected:   m.busyRejected.Load(),
	}
}

// ActiveCalls returns the number of live (non-failed) sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveCountLocked()
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.state.terminal() {
			n++
		}
	}
	return n
}

// InitiateCall starts an outbound call. The offer is sent asynchronously:
// the call returns as soon as the session exists in Calling; a send failure
// surfaces later as a ConnectionFailed event.
func (m *Manager) InitiateCall(callee identity.Identity, constraints MediaConstraints) (CallID, error) {
	if callee == nil {
		return CallID{}, fmt.Errorf("%w: callee is nil", ErrInvalidParameter)
	}
	if !constraints.Any() {
		return CallID{}, fmt.Errorf("%w: no media requested", ErrInvalidParameter)
	}

	id := NewCallID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return CallID{}, ErrManagerClosed
	}
	if m.liveCountLocked() >= m.cfg.MaxConcurrentCalls {
		m.mu.Unlock()
		return CallID{}, fmt.Errorf("%w: %d calls active", ErrResourceExhausted, m.cfg.MaxConcurrentCalls)
	}
	now := m.timeProvider.Now()
	m.sessions[id] = &session{
		id:          id,
		peer:        callee,
		state:       StateCalling,
		constraints: constraints,
		createdAt:   now,
		deadline:    now.Add(m.cfg.SetupTimeout),
		metrics:     []QualityMetrics{},
	}
	m.mu.Unlock()

	m.callsInitiated.Add(1)
	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: callee, State: StateCalling, PrevState: StateCalling})

	logrus.WithFields(logrus.Fields{
		"function": "InitiateCall",
		"call_id":  id.String(),
		"callee":   callee.String(),
	}).Info("Call initiated")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sdp := buildSDP(m.self.String(), constraints)
		if err := m.sig.SendOffer(context.Background(), callee, id, sdp); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "InitiateCall",
				"call_id":  id.String(),
				"error":    err.Error(),
			}).Warn("Offer send failed")
			m.failSession(id, ReasonTransportFailure)
		}
	}()

	return id, nil
}

// AcceptCall answers an inbound pending offer: Calling → Connecting, send
// the answer, open bridge streams, → Connected.
func (m *Manager) AcceptCall(ctx context.Context, id CallID, constraints MediaConstraints) error {
	if !constraints.Any() {
		return fmt.Errorf("%w: no media requested", ErrInvalidParameter)
	}

	m.mu.Lock()
	if _, gone := m.tombstones[id]; gone {
		m.mu.Unlock()
		return nil
	}
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if sess.state.terminal() {
		m.mu.Unlock()
		return nil
	}
	if sess.state != StateCalling || !sess.inbound {
		state := sess.state
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in state %s", ErrInvalidStateTransition, state)
	}
	sess.state = StateConnecting
	sess.constraints = constraints
	peer := sess.peer
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateConnecting, PrevState: StateCalling})

	sdp := buildSDP(m.self.String(), constraints)
	if err := m.sig.SendAnswer(ctx, peer, id, sdp); err != nil {
		m.failSession(id, ReasonTransportFailure)
		return fmt.Errorf("%w: answer: %v", ErrTransportFailure, err)
	}

	if err := m.openStreams(ctx, id, peer, constraints); err != nil {
		return err
	}
	m.callsAccepted.Add(1)
	return nil
}

// openStreams opens the bridge sub-streams and completes the transition to
// Connected. Shared by the accepting side and the initiating side on
// answer receipt.
func (m *Manager) openStreams(ctx context.Context, id CallID, peer identity.Identity, constraints MediaConstraints) error {
	if err := m.bridge.Open(ctx, peer, id, constraints.streamTypes()...); err != nil {
		m.failSession(id, ReasonTransportFailure)
		return fmt.Errorf("%w: bridge: %v", ErrTransportFailure, err)
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.state != StateConnecting {
		// Ended or failed while the streams were opening.
		m.mu.Unlock()
		return nil
	}
	sess.state = StateConnected
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateConnected, PrevState: StateConnecting})

	logrus.WithFields(logrus.Fields{
		"function": "openStreams",
		"call_id":  id.String(),
		"peer":     peer.String(),
	}).Info("Call connected")
	return nil
}

// RejectCall declines a pending offer: Calling → Failed with reason
// Rejected. Idempotent on removed and already-failed calls; NotFound for a
// call id that never existed.
func (m *Manager) RejectCall(id CallID) error {
	m.mu.Lock()
	if _, gone := m.tombstones[id]; gone {
		m.mu.Unlock()
		return nil
	}
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if sess.state.terminal() {
		m.mu.Unlock()
		return nil
	}
	if sess.state != StateCalling {
		state := sess.state
		m.mu.Unlock()
		return fmt.Errorf("%w: reject in state %s", ErrInvalidStateTransition, state)
	}
	prev := sess.state
	sess.state = StateFailed
	sess.reason = ReasonRejected
	sess.failedAt = m.timeProvider.Now()
	peer := sess.peer
	m.mu.Unlock()

	m.callsFailed.Add(1)
	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateFailed, PrevState: prev})
	m.bus.Publish(Event{Type: EventConnectionFailed, CallID: id, Peer: peer, State: StateFailed, Reason: ReasonRejected})

	// Best effort: the call is rejected locally whether or not the peer
	// hears about it.
	if err := m.sig.SendEnd(context.Background(), peer, id, "rejected"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RejectCall",
			"call_id":  id.String(),
			"error":    err.Error(),
		}).Warn("Reject notification failed")
	}
	m.releaseCallResources(id, peer)
	return nil
}

// EndCall ends a call from any live state: → Ending, release signaling and
// bridge resources, remove the session. Idempotent on removed calls;
// NotFound for a call id that never existed.
func (m *Manager) EndCall(id CallID) error {
	m.mu.Lock()
	if _, gone := m.tombstones[id]; gone {
		m.mu.Unlock()
		return nil
	}
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	now := m.timeProvider.Now()
	if sess.state.terminal() {
		// Already failed; ending it just removes the corpse early.
		delete(m.sessions, id)
		m.tombstones[id] = now
		m.mu.Unlock()
		return nil
	}
	prev := sess.state
	sess.state = StateEnding
	peer := sess.peer
	delete(m.sessions, id)
	m.tombstones[id] = now
	m.mu.Unlock()

	m.callsEnded.Add(1)
	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateEnding, PrevState: prev})
	m.bus.Publish(Event{Type: EventCallEnded, CallID: id, Peer: peer, Reason: ReasonHangup})

	if err := m.sig.SendEnd(context.Background(), peer, id, "hangup"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EndCall",
			"call_id":  id.String(),
			"error":    err.Error(),
		}).Warn("Hangup notification failed")
	}
	m.releaseCallResources(id, peer)

	logrus.WithFields(logrus.Fields{
		"function": "EndCall",
		"call_id":  id.String(),
	}).Info("Call ended")
	return nil
}

// GetCallState returns the call's current state. Removed and never-existed
// ids both return ErrNotFound.
func (m *Manager) GetCallState(id CallID) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	return sess.state, nil
}

// GetSession returns a snapshot of the call session.
func (m *Manager) GetSession(id CallID) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess.snapshot(), nil
}

// GetQualityMetrics returns the call's recorded quality history in
// observation order. A live call with no samples yields an empty, non-nil
// slice.
func (m *Manager) GetQualityMetrics(id CallID) ([]QualityMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]QualityMetrics, len(sess.metrics))
	copy(out, sess.metrics)
	return out, nil
}

// RecordQuality appends one quality sample to the call's history, feeds the
// adaptation engine and publishes QualityChanged plus any recommendation.
func (m *Manager) RecordQuality(id CallID, q QualityMetrics) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = m.timeProvider.Now()
	}
	sess.metrics = append(sess.metrics, q)
	peer := sess.peer
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventQualityChanged, CallID: id, Peer: peer, Quality: &q})

	rec, ok := m.engine.Observe(id, adapt.Sample{
		RTT:         q.RTT,
		LossPercent: q.PacketLossPercent,
		Jitter:      q.Jitter,
		Bandwidth:   q.BandwidthEstimate,
		Timestamp:   q.Timestamp,
	})
	if ok {
		m.bus.Publish(Event{Type: EventAdaptation, CallID: id, Peer: peer, Recommendation: &rec})
	}
	return nil
}

// failSession moves a Calling/Connecting session to Failed and releases its
// resources. Calls in other states are left alone.
func (m *Manager) failSession(id CallID, reason Reason) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || (sess.state != StateCalling && sess.state != StateConnecting) {
		m.mu.Unlock()
		return
	}
	prev := sess.state
	sess.state = StateFailed
	sess.reason = reason
	sess.failedAt = m.timeProvider.Now()
	peer := sess.peer
	m.mu.Unlock()

	m.callsFailed.Add(1)
	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateFailed, PrevState: prev})
	m.bus.Publish(Event{Type: EventConnectionFailed, CallID: id, Peer: peer, State: StateFailed, Reason: reason})
	m.releaseCallResources(id, peer)
}

// releaseCallResources drops the signaling session, bridge streams and
// adaptation window for the call. Safe to call repeatedly.
func (m *Manager) releaseCallResources(id CallID, peer identity.Identity) {
	m.sig.ReleaseSession(id)
	m.bridge.CloseCall(peer, id)
	m.engine.Forget(id)
}

// sweepLoop periodically times out stuck setups, removes expired Failed
// sessions and prunes tombstones. Cancellation is observed at iteration
// boundaries.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

type sweptSession struct {
	id     CallID
	peer   identity.Identity
	prev   State
	reason Reason
}

// sweep applies deadline and grace-period policy in one pass under the
// lock, then publishes and releases outside it.
func (m *Manager) sweep() {
	now := m.now()

	var timedOut, removed []sweptSession

	m.mu.Lock()
	for id, sess := range m.sessions {
		switch {
		case (sess.state == StateCalling || sess.state == StateConnecting) && now.After(sess.deadline):
			prev := sess.state
			sess.state = StateFailed
			sess.reason = ReasonTimeout
			sess.failedAt = now
			timedOut = append(timedOut, sweptSession{id: id, peer: sess.peer, prev: prev, reason: ReasonTimeout})
		case sess.state == StateFailed && now.Sub(sess.failedAt) > m.cfg.FailedGracePeriod:
			delete(m.sessions, id)
			m.tombstones[id] = now
			removed = append(removed, sweptSession{id: id, peer: sess.peer, prev: StateFailed, reason: sess.reason})
		}
	}
	for id, at := range m.tombstones {
		if now.Sub(at) > m.cfg.TombstoneRetention {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()

	for _, s := range timedOut {
		m.callsFailed.Add(1)
		m.bus.Publish(Event{Type: EventStateChanged, CallID: s.id, Peer: s.peer, State: StateFailed, PrevState: s.prev})
		m.bus.Publish(Event{Type: EventConnectionFailed, CallID: s.id, Peer: s.peer, State: StateFailed, Reason: ReasonTimeout})
		m.releaseCallResources(s.id, s.peer)

		logrus.WithFields(logrus.Fields{
			"function": "Manager.sweep",
			"call_id":  s.id.String(),
		}).Warn("Call setup timed out")
	}
	for _, s := range removed {
		m.bus.Publish(Event{Type: EventCallEnded, CallID: s.id, Peer: s.peer, Reason: s.reason})
	}
}

// signalLoop consumes the signaling handler's event stream and drives the
// remote side of the state machine.
func (m *Manager) signalLoop(ctx context.Context) {
	defer m.wg.Done()

	sub := m.sig.SubscribeEvents()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.handleSignal(ctx, ev)
		}
	}
}

func (m *Manager) handleSignal(ctx context.Context, ev signaling.Event) {
	switch ev.Type {
	case signaling.OfferReceived:
		m.handleOffer(ev)
	case signaling.AnswerReceived:
		m.handleAnswer(ctx, ev)
	case signaling.IceCandidateReceived:
		m.bus.Publish(Event{
			Type:      EventIceCandidate,
			CallID:    ev.Message.CallID,
			Peer:      ev.Peer,
			Candidate: ev.Message.Payload,
		})
	case signaling.CallEnded:
		m.handleRemoteEnd(ev)
	}
}

// handleOffer creates an inbound pending session, or rejects with busy
// when the concurrent-call cap is reached.
func (m *Manager) handleOffer(ev signaling.Event) {
	id := ev.Message.CallID

	m.mu.Lock()
	if _, gone := m.tombstones[id]; gone {
		m.mu.Unlock()
		return
	}
	if _, exists := m.sessions[id]; exists {
		// Duplicate offer for a known call.
		m.mu.Unlock()
		return
	}
	if m.liveCountLocked() >= m.cfg.MaxConcurrentCalls {
		m.mu.Unlock()
		m.busyRejected.Add(1)
		m.sig.ReleaseSession(id)
		if err := m.sig.SendEnd(context.Background(), ev.Peer, id, "busy"); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleOffer",
				"call_id":  id.String(),
				"error":    err.Error(),
			}).Warn("Busy rejection failed")
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"call_id":  id.String(),
			"peer":     ev.Peer.String(),
		}).Info("Inbound call rejected busy")
		return
	}

	now := m.timeProvider.Now()
	m.sessions[id] = &session{
		id:          id,
		peer:        ev.Peer,
		state:       StateCalling,
		inbound:     true,
		constraints: constraintsFromSDP(ev.Message.Payload),
		createdAt:   now,
		deadline:    now.Add(m.cfg.SetupTimeout),
		metrics:     []QualityMetrics{},
	}
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventIncomingCall, CallID: id, Peer: ev.Peer, State: StateCalling})

	logrus.WithFields(logrus.Fields{
		"function": "handleOffer",
		"call_id":  id.String(),
		"peer":     ev.Peer.String(),
	}).Info("Incoming call")
}

// handleAnswer advances our outbound Calling session through Connecting to
// Connected.
func (m *Manager) handleAnswer(ctx context.Context, ev signaling.Event) {
	id := ev.Message.CallID

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.inbound || sess.state != StateCalling {
		m.mu.Unlock()
		return
	}
	sess.state = StateConnecting
	peer := sess.peer
	constraints := sess.constraints
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateConnecting, PrevState: StateCalling})

	m.openStreams(ctx, id, peer, constraints)
}

// handleRemoteEnd tears down on a peer's end message. During setup it is a
// rejection or busy signal and the session goes to Failed; on an
// established call it is a hangup and the session is removed.
func (m *Manager) handleRemoteEnd(ev signaling.Event) {
	id := ev.Message.CallID
	reason := ReasonRemoteEnded
	switch ev.Message.Payload {
	case "rejected":
		reason = ReasonRejected
	case "busy":
		reason = ReasonBusy
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	if sess.state == StateCalling || sess.state == StateConnecting {
		prev := sess.state
		sess.state = StateFailed
		sess.reason = reason
		sess.failedAt = m.timeProvider.Now()
		peer := sess.peer
		m.mu.Unlock()

		m.callsFailed.Add(1)
		m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateFailed, PrevState: prev})
		m.bus.Publish(Event{Type: EventConnectionFailed, CallID: id, Peer: peer, State: StateFailed, Reason: reason})
		m.releaseCallResources(id, peer)
		return
	}

	prev := sess.state
	peer := sess.peer
	delete(m.sessions, id)
	m.tombstones[id] = m.timeProvider.Now()
	m.mu.Unlock()

	m.callsEnded.Add(1)
	m.bus.Publish(Event{Type: EventStateChanged, CallID: id, Peer: peer, State: StateEnding, PrevState: prev})
	m.bus.Publish(Event{Type: EventCallEnded, CallID: id, Peer: peer, Reason: reason})
	m.releaseCallResources(id, peer)

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteEnd",
		"call_id":  id.String(),
		"reason":   reason.String(),
	}).Info("Call ended by peer")
}
