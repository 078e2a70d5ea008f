// Package bridge maps real-time media packets onto multiplexed transport
// sub-streams, one sub-stream per (call, stream type), with per-type QoS
// latency budgets and strict framing safety on the receive path.
package bridge

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed packet header length in bytes.
const HeaderSize = 17

// ProtocolVersion is the only packet version this codec accepts.
const ProtocolVersion = 2

// MaxPayloadSize bounds a single packet's payload. It exists to stop an
// adversarial length prefix from forcing a huge allocation on the receive
// path; real media frames sit far below it.
const MaxPayloadSize = 1 << 20

// Packet is one real-time media packet. The header mirrors the classic RTP
// layout except that Timestamp is a full 64-bit nanosecond wall-clock value;
// it is carried at full width through every serialization round trip and is
// never narrowed.
//
// A Packet is immutable once constructed.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint64
	SSRC           uint32
	StreamType     StreamType
	Payload        []byte
}

// Marshal serializes the packet.
//
// Wire format, big-endian:
//
//	byte 0:      version(2) | padding(1) | extension(1) | csrc count(4)
//	byte 1:      marker(1) | payload type(7)
//	bytes 2-3:   sequence number
//	bytes 4-11:  timestamp, full 64 bits
//	bytes 12-15: SSRC
//	byte 16:     stream type
//	bytes 17-:   payload
//
// The buffer is allocated as exactly HeaderSize+len(Payload).
func (p *Packet) Marshal() ([]byte, error) {
	if p.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidData, p.Version)
	}
	if p.CSRCCount > 0x0F {
		return nil, fmt.Errorf("%w: csrc count %d exceeds 15", ErrInvalidData, p.CSRCCount)
	}
	if p.PayloadType > 0x7F {
		return nil, fmt.Errorf("%w: payload type %d exceeds 127", ErrInvalidData, p.PayloadType)
	}
	if !p.StreamType.Valid() {
		return nil, fmt.Errorf("%w: stream type %d", ErrInvalidData, uint8(p.StreamType))
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes",
			ErrInvalidData, len(p.Payload), MaxPayloadSize)
	}

	data := make([]byte, HeaderSize+len(p.Payload))

	data[0] = p.Version << 6
	if p.Padding {
		data[0] |= 1 << 5
	}
	if p.Extension {
		data[0] |= 1 << 4
	}
	data[0] |= p.CSRCCount & 0x0F

	data[1] = p.PayloadType & 0x7F
	if p.Marker {
		data[1] |= 1 << 7
	}

	binary.BigEndian.PutUint16(data[2:4], p.SequenceNumber)
	binary.BigEndian.PutUint64(data[4:12], p.Timestamp)
	binary.BigEndian.PutUint32(data[12:16], p.SSRC)
	data[16] = byte(p.StreamType)

	copy(data[HeaderSize:], p.Payload)
	return data, nil
}

// Unmarshal decodes wire bytes produced by Marshal. Arbitrary input is
// rejected with ErrInvalidData before any out-of-range access; it never
// panics.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrInvalidData, len(data), HeaderSize)
	}
	if len(data) > HeaderSize+MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum packet size",
			ErrInvalidData, len(data))
	}

	version := data[0] >> 6
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidData, version)
	}

	st := StreamType(data[16])
	if !st.Valid() {
		return nil, fmt.Errorf("%w: stream type %d", ErrInvalidData, data[16])
	}

	p := &Packet{
		Version:        version,
		Padding:        data[0]&(1<<5) != 0,
		Extension:      data[0]&(1<<4) != 0,
		CSRCCount:      data[0] & 0x0F,
		Marker:         data[1]&(1<<7) != 0,
		PayloadType:    data[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint64(data[4:12]),
		SSRC:           binary.BigEndian.Uint32(data[12:16]),
		StreamType:     st,
	}
	if len(data) > HeaderSize {
		p.Payload = make([]byte, len(data)-HeaderSize)
		copy(p.Payload, data[HeaderSize:])
	}
	return p, nil
}

// SequenceDistance returns the forward distance from a to b in wrapping
// 16-bit sequence space: how many increments move a onto b. The result is
// in [0, 65535]; a distance above 32767 usually means b is older than a.
func SequenceDistance(a, b uint16) uint16 {
	return b - a
}
