package signaling

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/peercall/identity"
)

// DefaultSessionTTL bounds how long a negotiation may remain in flight
// before it expires.
const DefaultSessionTTL = 30 * time.Second

// Session is the transient per-call negotiation state. It exists from the
// moment an offer is sent or received until the negotiation completes, is
// explicitly ended, or its deadline passes — whichever comes first.
type Session struct {
	CallID    uuid.UUID
	Peer      identity.Identity
	OfferSDP  string
	AnswerSDP string
	Inbound   bool
	CreatedAt time.Time
	Deadline  time.Time
}

// Expired reports whether the session's deadline has passed at the given
// instant. An expired session can only be reported as expired; it is never
// completed or revived.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.Deadline)
}
