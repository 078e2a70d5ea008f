package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/opd-ai/peercall/bridge"
)

// IngestRTP converts one wire RTP packet from a capture pipeline into a
// bridge packet. The RTP media timestamp is 32 bits and clock-rate
// relative; the bridge carries full 64-bit nanosecond wall-clock
// timestamps, so the packet is restamped with the supplied instant rather
// than widened arithmetically. Malformed RTP bytes are rejected with
// ErrDecodeFailure and never panic.
func IngestRTP(data []byte, st bridge.StreamType, now time.Time) (*bridge.Packet, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: stream type %d", ErrInvalidFrame, uint8(st))
	}

	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: rtp: %v", ErrDecodeFailure, err)
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)

	csrc := len(p.CSRC)
	if csrc > 15 {
		csrc = 15
	}

	return &bridge.Packet{
		Version:        bridge.ProtocolVersion,
		Padding:        p.Padding,
		Extension:      p.Extension,
		CSRCCount:      uint8(csrc),
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      uint64(now.UnixNano()),
		SSRC:           p.SSRC,
		StreamType:     st,
		Payload:        payload,
	}, nil
}
