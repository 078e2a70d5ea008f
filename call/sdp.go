package call

import (
	"fmt"
	"strings"
)

// buildSDP renders a minimal session description for the requested media.
// The description carries intent, not codec negotiation detail; the media
// stack on each side maps stream types to its own pipeline.
func buildSDP(origin string, c MediaConstraints) string {
	var b strings.Builder
	b.WriteString("v=0\n")
	fmt.Fprintf(&b, "o=%s 0 0 IN IP4 0.0.0.0\n", sanitizeOrigin(origin))
	b.WriteString("s=peercall\n")
	b.WriteString("t=0 0\n")
	if c.Audio {
		b.WriteString("m=audio 9 UDP 111\n")
		b.WriteString("a=rtpmap:111 opus/48000/2\n")
	}
	if c.Video {
		b.WriteString("m=video 9 UDP 96\n")
	}
	if c.ScreenShare {
		b.WriteString("m=video 9 UDP 97\n")
		b.WriteString("a=content:slides\n")
	}
	return b.String()
}

// constraintsFromSDP recovers the media intent from an offer built by
// buildSDP. Unknown media lines are ignored; an unparseable description
// defaults to audio so an inbound call is never constraint-less.
func constraintsFromSDP(sdp string) MediaConstraints {
	var c MediaConstraints
	c.Audio = strings.Contains(sdp, "\nm=audio ")
	c.ScreenShare = strings.Contains(sdp, "\na=content:slides")
	// Screen share uses a second video line; only count camera video when
	// the video line count exceeds the screen share one.
	videoLines := strings.Count(sdp, "\nm=video ")
	if c.ScreenShare {
		videoLines--
	}
	c.Video = videoLines > 0
	if !c.Any() {
		c.Audio = true
	}
	return c
}

// sanitizeOrigin keeps the origin line single-token and single-line no
// matter what the identity stringifies to.
func sanitizeOrigin(origin string) string {
	origin = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return '-'
		}
		return r
	}, origin)
	if origin == "" {
		return "-"
	}
	return origin
}
