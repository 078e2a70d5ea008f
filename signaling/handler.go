package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/events"
	"github.com/opd-ai/peercall/identity"
)

// EventType tags events published by the dispatch loop.
type EventType int

const (
	// OfferReceived indicates an inbound call offer.
	OfferReceived EventType = iota
	// AnswerReceived indicates the remote peer answered our offer.
	AnswerReceived
	// IceCandidateReceived indicates an inbound connectivity option.
	IceCandidateReceived
	// CallEnded indicates the remote peer ended the negotiation or call.
	CallEnded
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case OfferReceived:
		return "offer_received"
	case AnswerReceived:
		return "answer_received"
	case IceCandidateReceived:
		return "ice_candidate_received"
	case CallEnded:
		return "call_ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is one inbound signaling occurrence published to subscribers of the
// handler's broadcast bus.
type Event struct {
	Type    EventType
	Peer    identity.Identity
	Message Message
}

// Config tunes a Handler.
type Config struct {
	// SessionTTL bounds how long a negotiation may stay in flight.
	// Zero selects DefaultSessionTTL.
	SessionTTL time.Duration

	// EventBuffer is the per-subscriber event buffer. Zero selects the
	// events package default.
	EventBuffer int
}

// Handler validates and exchanges signaling messages over a Transport and
// tracks one Session per in-flight negotiation.
//
// A single dispatch goroutine pulls inbound messages from the transport, so
// messages from a given peer are published in transport delivery order.
// Event delivery to subscribers uses lossy broadcast: a slow subscriber
// drops its oldest undelivered events instead of stalling dispatch.
type Handler struct {
	transport Transport
	cfg       Config

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	bus *events.Bus[Event]

	// Counters for dropped input; adversarial bytes are rejected, counted
	// and forgotten.
	malformedCount uint64
	expiredCount   uint64

	timeProvider TimeProvider
}

// NewHandler creates a signaling handler over the given transport.
func NewHandler(transport Transport, cfg Config) (*Handler, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is nil", ErrInvalidParameter)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewHandler",
		"session_ttl": cfg.SessionTTL,
	}).Debug("Creating signaling handler")

	return &Handler{
		transport:    transport,
		cfg:          cfg,
		sessions:     make(map[uuid.UUID]*Session),
		bus:          events.NewBus[Event](cfg.EventBuffer),
		timeProvider: DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider overrides the clock, for deterministic deadline tests.
func (h *Handler) SetTimeProvider(tp TimeProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	h.timeProvider = tp
}

func (h *Handler) now() time.Time {
	h.mu.RLock()
	tp := h.timeProvider
	h.mu.RUnlock()
	return tp.Now()
}

// Start launches the inbound dispatch loop. It returns immediately; the
// loop runs until Stop is called or the parent context is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHandlerAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.dispatchLoop(loopCtx)

	logrus.WithFields(logrus.Fields{
		"function": "Handler.Start",
	}).Info("Signaling dispatch loop started")

	return nil
}

// Stop signals the dispatch loop to exit and waits for it. It is a no-op on
// a handler that was never started.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	cancel()
	<-done
	h.bus.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Handler.Stop",
	}).Info("Signaling handler stopped")
}

// SubscribeEvents returns an independent receiver of inbound signaling
// events. Multiple subscribers each see every event.
func (h *Handler) SubscribeEvents() *events.Subscription[Event] {
	return h.bus.Subscribe()
}

// dispatchLoop pulls messages from the transport and publishes events.
// Malformed or stale input is counted and dropped; the loop only exits on
// cancellation.
func (h *Handler) dispatchLoop(ctx context.Context) {
	defer close(h.done)

	for {
		peer, msg, err := h.transport.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logrus.WithFields(logrus.Fields{
					"function": "dispatchLoop",
				}).Debug("Dispatch loop cancelled")
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "dispatchLoop",
				"error":    err.Error(),
			}).Warn("Transport receive failed")
			continue
		}

		h.pruneExpiredSessions()
		h.handleInbound(peer, msg)
	}
}

// handleInbound validates one inbound message and publishes the matching
// event. Nothing here can panic on peer-controlled input.
func (h *Handler) handleInbound(peer identity.Identity, msg Message) {
	fields := logrus.Fields{
		"function": "handleInbound",
		"peer":     peer.String(),
		"type":     msg.Type.String(),
		"call_id":  msg.CallID.String(),
	}

	switch msg.Type {
	case MessageOffer:
		if err := ValidateSDP(msg.Payload); err != nil {
			h.countMalformed(fields, err)
			return
		}
		h.mu.Lock()
		now := h.timeProvider.Now()
		h.sessions[msg.CallID] = &Session{
			CallID:    msg.CallID,
			Peer:      peer,
			OfferSDP:  msg.Payload,
			Inbound:   true,
			CreatedAt: now,
			Deadline:  now.Add(h.cfg.SessionTTL),
		}
		h.mu.Unlock()
		h.bus.Publish(Event{Type: OfferReceived, Peer: peer, Message: msg})

	case MessageAnswer:
		if err := ValidateSDP(msg.Payload); err != nil {
			h.countMalformed(fields, err)
			return
		}
		if err := h.completeSession(msg.CallID, msg.Payload); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				h.mu.Lock()
				h.expiredCount++
				h.mu.Unlock()
			}
			logrus.WithFields(fields).WithError(err).Warn("Dropping answer without usable session")
			return
		}
		h.bus.Publish(Event{Type: AnswerReceived, Peer: peer, Message: msg})

	case MessageIceCandidate:
		if err := ValidateCandidate(msg.Payload); err != nil {
			h.countMalformed(fields, err)
			return
		}
		if err := h.checkSessionLive(msg.CallID); err != nil {
			logrus.WithFields(fields).WithError(err).Debug("Dropping candidate without usable session")
			return
		}
		h.bus.Publish(Event{Type: IceCandidateReceived, Peer: peer, Message: msg})

	case MessageEnd:
		h.destroySession(msg.CallID)
		h.bus.Publish(Event{Type: CallEnded, Peer: peer, Message: msg})

	default:
		h.countMalformed(fields, fmt.Errorf("%w: type %d", ErrMalformedMessage, msg.Type))
	}
}

func (h *Handler) countMalformed(fields logrus.Fields, err error) {
	h.mu.Lock()
	h.malformedCount++
	h.mu.Unlock()
	logrus.WithFields(fields).WithError(err).Warn("Dropping malformed signaling message")
}

// SendOffer validates the description, opens a negotiation session and
// sends the offer.
func (h *Handler) SendOffer(ctx context.Context, peer identity.Identity, callID uuid.UUID, sdp string) error {
	if err := ValidateSDP(sdp); err != nil {
		return err
	}

	now := h.now()
	h.mu.Lock()
	h.sessions[callID] = &Session{
		CallID:    callID,
		Peer:      peer,
		OfferSDP:  sdp,
		CreatedAt: now,
		Deadline:  now.Add(h.cfg.SessionTTL),
	}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SendOffer",
		"peer":     peer.String(),
		"call_id":  callID.String(),
		"sdp_size": len(sdp),
	}).Debug("Sending offer")

	if err := h.transport.SendMessage(ctx, peer, NewOffer(callID, sdp)); err != nil {
		h.destroySession(callID)
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// SendAnswer validates the description against an existing unexpired
// session and sends the answer. Answering completes and destroys the
// session.
func (h *Handler) SendAnswer(ctx context.Context, peer identity.Identity, callID uuid.UUID, sdp string) error {
	if err := ValidateSDP(sdp); err != nil {
		return err
	}
	if err := h.checkSessionLive(callID); err != nil {
		return err
	}

	if err := h.transport.SendMessage(ctx, peer, NewAnswer(callID, sdp)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	h.destroySession(callID)
	return nil
}

// SendIceCandidate forwards one candidate string for a live session. An
// empty candidate is rejected; a non-empty but malformed one is forwarded
// opaque — see ValidateCandidate.
func (h *Handler) SendIceCandidate(ctx context.Context, peer identity.Identity, callID uuid.UUID, candidate string) error {
	if err := ValidateCandidate(candidate); err != nil {
		return err
	}
	if err := h.checkSessionLive(callID); err != nil {
		return err
	}

	if err := h.transport.SendMessage(ctx, peer, NewIceCandidate(callID, candidate)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// SendEnd tears down any local session for the call and notifies the peer.
// It succeeds even when no session exists; end is a best-effort courtesy.
func (h *Handler) SendEnd(ctx context.Context, peer identity.Identity, callID uuid.UUID, reason string) error {
	h.destroySession(callID)

	if err := h.transport.SendMessage(ctx, peer, NewEnd(callID, reason)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// GetSession returns a copy of the negotiation session for the call, if one
// exists. Expired sessions are reported via the error and destroyed.
func (h *Handler) GetSession(callID uuid.UUID) (Session, error) {
	h.mu.RLock()
	sess, ok := h.sessions[callID]
	now := h.timeProvider.Now()
	h.mu.RUnlock()

	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Expired(now) {
		h.destroySession(callID)
		return Session{}, ErrSessionExpired
	}
	return *sess, nil
}

// ReleaseSession destroys the negotiation session for the call, if any.
func (h *Handler) ReleaseSession(callID uuid.UUID) {
	h.destroySession(callID)
}

// SessionCount returns the number of in-flight negotiations.
func (h *Handler) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// DroppedCounts reports how many inbound messages were discarded as
// malformed and how many referenced expired sessions.
func (h *Handler) DroppedCounts() (malformed, expired uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.malformedCount, h.expiredCount
}

// checkSessionLive verifies a session exists and has not expired.
func (h *Handler) checkSessionLive(callID uuid.UUID) error {
	h.mu.RLock()
	sess, ok := h.sessions[callID]
	now := h.timeProvider.Now()
	h.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	if sess.Expired(now) {
		h.destroySession(callID)
		return ErrSessionExpired
	}
	return nil
}

// completeSession records the answer and destroys the session. Completion
// of an expired session is refused.
func (h *Handler) completeSession(callID uuid.UUID, answerSDP string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Expired(h.timeProvider.Now()) {
		delete(h.sessions, callID)
		return ErrSessionExpired
	}

	sess.AnswerSDP = answerSDP
	delete(h.sessions, callID)
	return nil
}

func (h *Handler) destroySession(callID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, callID)
}

// pruneExpiredSessions drops sessions past their deadline. Called from the
// dispatch loop; worst-case staleness is one loop turn.
func (h *Handler) pruneExpiredSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.timeProvider.Now()
	for id, sess := range h.sessions {
		if sess.Expired(now) {
			delete(h.sessions, id)
			h.expiredCount++
			logrus.WithFields(logrus.Fields{
				"function": "pruneExpiredSessions",
				"call_id":  id.String(),
				"age":      now.Sub(sess.CreatedAt).String(),
			}).Debug("Expired signaling session pruned")
		}
	}
}
