package call

import (
	"fmt"

	"github.com/opd-ai/peercall/adapt"
	"github.com/opd-ai/peercall/identity"
)

// EventType tags events on the manager's merged stream.
type EventType int

const (
	// EventIncomingCall announces an inbound offer awaiting accept/reject.
	EventIncomingCall EventType = iota
	// EventStateChanged fires on every lifecycle transition.
	EventStateChanged
	// EventQualityChanged fires when a quality sample is recorded.
	EventQualityChanged
	// EventConnectionFailed fires when setup fails: reject, timeout or
	// transport failure.
	EventConnectionFailed
	// EventCallEnded fires when a call is removed after Ending.
	EventCallEnded
	// EventAdaptation carries a media up/downgrade recommendation.
	EventAdaptation
	// EventIceCandidate surfaces a connectivity option from the peer.
	EventIceCandidate
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventIncomingCall:
		return "incoming_call"
	case EventStateChanged:
		return "state_changed"
	case EventQualityChanged:
		return "quality_changed"
	case EventConnectionFailed:
		return "connection_failed"
	case EventCallEnded:
		return "call_ended"
	case EventAdaptation:
		return "adaptation"
	case EventIceCandidate:
		return "ice_candidate"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is one occurrence on the manager's merged call, signaling and
// quality stream. Fields beyond Type, CallID and Peer are populated per
// type: State/PrevState for transitions, Reason for failures and ends,
// Quality for samples, Recommendation for adaptation advice, Candidate for
// connectivity options.
type Event struct {
	Type           EventType
	CallID         CallID
	Peer           identity.Identity
	State          State
	PrevState      State
	Reason         Reason
	Quality        *QualityMetrics
	Recommendation *adapt.Recommendation
	Candidate      string
}
