package signaling

import (
	"fmt"
	"strings"
)

// ValidateSDP checks a session description for the minimum structural
// markers before it is sent or surfaced to the application.
//
// The check is deliberately shallow: the first line must be a version line
// ("v=") and at least one origin, session-name or media line must follow.
// Anything deeper is the media layer's concern. Size is unbounded here —
// well-formed descriptions far beyond 64KB pass through unchanged.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSDP)
	}

	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("%w: missing version line", ErrInvalidSDP)
	}

	if !strings.Contains(sdp, "\no=") && !strings.Contains(sdp, "\ns=") &&
		!strings.Contains(sdp, "\nm=") {
		return fmt.Errorf("%w: no origin, session or media line", ErrInvalidSDP)
	}

	return nil
}

// ValidateCandidate checks a connectivity-option string.
//
// Policy: only emptiness is rejected. A non-empty but semantically malformed
// candidate is accepted as an opaque string and forwarded — this layer
// transports candidates, it does not parse ICE grammar. The receiving media
// stack decides what to do with a candidate it cannot use.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidParameter)
	}
	return nil
}
