// Package call implements the call lifecycle: a state machine per call
// session, driven by the local application through the manager's operations
// and by the remote peer through signaling events. No operation panics on
// any input; every failure is a typed error.
package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/peercall/bridge"
	"github.com/opd-ai/peercall/identity"
)

// CallID identifies one call session. It is shared with the signaling
// layer, which keys its negotiation sessions by the same id.
type CallID = uuid.UUID

// NewCallID generates a fresh call id.
func NewCallID() CallID {
	return uuid.New()
}

// State is the call lifecycle state.
type State int

const (
	// StateCalling is a pending offer: sent and unanswered for outbound
	// calls, received and unaccepted for inbound ones.
	StateCalling State = iota
	// StateConnecting means the answer is in flight and bridge streams are
	// being opened.
	StateConnecting
	// StateConnected means media can flow.
	StateConnected
	// StateEnding is the transient teardown state.
	StateEnding
	// StateFailed is terminal; the session lingers for a grace period so
	// late queries still see the failure, then it is removed.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether the state counts against the concurrent-call
// cap. Failed sessions are dead weight awaiting removal.
func (s State) terminal() bool {
	return s == StateFailed
}

// Reason explains why a call failed or ended.
type Reason int

const (
	// ReasonNone is the zero value for events that carry no reason.
	ReasonNone Reason = iota
	// ReasonRejected means the callee declined.
	ReasonRejected
	// ReasonTimeout means setup exceeded its deadline.
	ReasonTimeout
	// ReasonTransportFailure means signaling or bridge I/O failed.
	ReasonTransportFailure
	// ReasonBusy means the concurrent-call cap forced an automatic reject.
	ReasonBusy
	// ReasonHangup means the local side ended the call.
	ReasonHangup
	// ReasonRemoteEnded means the peer ended the call.
	ReasonRemoteEnded
)

// String returns a human-readable reason name.
func (r Reason) String() string {
	switch r {
	case ReasonRejected:
		return "rejected"
	case ReasonTimeout:
		return "timeout"
	case ReasonTransportFailure:
		return "transport_failure"
	case ReasonBusy:
		return "busy"
	case ReasonHangup:
		return "hangup"
	case ReasonRemoteEnded:
		return "remote_ended"
	default:
		return "none"
	}
}

// MediaConstraints declares which media a call carries.
type MediaConstraints struct {
	Audio       bool
	Video       bool
	ScreenShare bool
}

// Any reports whether at least one medium is requested.
func (c MediaConstraints) Any() bool {
	return c.Audio || c.Video || c.ScreenShare
}

// streamTypes lists the bridge sub-streams the constraints require.
func (c MediaConstraints) streamTypes() []bridge.StreamType {
	var types []bridge.StreamType
	if c.Audio {
		types = append(types, bridge.StreamAudio)
	}
	if c.Video {
		types = append(types, bridge.StreamVideo)
	}
	if c.ScreenShare {
		types = append(types, bridge.StreamScreenShare)
	}
	return types
}

// QualityMetrics is one observation of a call's network quality.
type QualityMetrics struct {
	RTT               time.Duration
	PacketLossPercent float64
	Jitter            time.Duration
	BandwidthEstimate uint64 // bits per second
	Timestamp         time.Time
}

// Session is the public snapshot of one call. Manager methods return
// copies; the manager's internal state is never shared.
type Session struct {
	ID          CallID
	Peer        identity.Identity
	State       State
	Inbound     bool
	Constraints MediaConstraints
	CreatedAt   time.Time
	Reason      Reason
}

// session is the manager-internal mutable call state.
type session struct {
	id          CallID
	peer        identity.Identity
	state       State
	inbound     bool
	constraints MediaConstraints
	createdAt   time.Time
	deadline    time.Time // setup deadline while Calling/Connecting
	failedAt    time.Time
	reason      Reason
	metrics     []QualityMetrics
}

func (s *session) snapshot() Session {
	return Session{
		ID:          s.id,
		Peer:        s.peer,
		State:       s.state,
		Inbound:     s.inbound,
		Constraints: s.constraints,
		CreatedAt:   s.createdAt,
		Reason:      s.reason,
	}
}
