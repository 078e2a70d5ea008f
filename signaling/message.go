// Package signaling implements the call negotiation protocol: offer, answer
// and candidate exchange over an abstract message-delivery transport, with
// per-call session bookkeeping and deadlines.
//
// The package is deliberately substrate-agnostic. It consumes the Transport
// contract and the identity.Identity contract, so DHT-backed, gossip-backed
// and in-memory test substrates plug in without touching the protocol logic.
package signaling

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// MessageType tags the signaling message variants.
type MessageType uint8

const (
	// MessageOffer carries a session description proposing a call.
	MessageOffer MessageType = iota + 1
	// MessageAnswer carries the session description accepting an offer.
	MessageAnswer
	// MessageIceCandidate carries one connectivity-option string.
	MessageIceCandidate
	// MessageEnd terminates a negotiation or an established call.
	MessageEnd
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageOffer:
		return "offer"
	case MessageAnswer:
		return "answer"
	case MessageIceCandidate:
		return "ice_candidate"
	case MessageEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxPayloadSize bounds the payload of a single signaling message. Session
// descriptions are accepted well past 64KB; the cap only exists to stop an
// adversarial length prefix from forcing a huge allocation.
const MaxPayloadSize = 4 * 1024 * 1024

// headerSize is the fixed wire prefix: type(1) + call id(16) + payload
// length(4).
const headerSize = 1 + 16 + 4

// Message is one signaling protocol message. The payload interpretation
// depends on the type: session description for Offer/Answer, candidate
// string for IceCandidate, optional reason for End.
type Message struct {
	Type    MessageType
	CallID  uuid.UUID
	Payload string
}

// NewOffer builds an offer message.
func NewOffer(callID uuid.UUID, sdp string) Message {
	return Message{Type: MessageOffer, CallID: callID, Payload: sdp}
}

// NewAnswer builds an answer message.
func NewAnswer(callID uuid.UUID, sdp string) Message {
	return Message{Type: MessageAnswer, CallID: callID, Payload: sdp}
}

// NewIceCandidate builds a candidate message.
func NewIceCandidate(callID uuid.UUID, candidate string) Message {
	return Message{Type: MessageIceCandidate, CallID: callID, Payload: candidate}
}

// NewEnd builds an end message. The reason may be empty.
func NewEnd(callID uuid.UUID, reason string) Message {
	return Message{Type: MessageEnd, CallID: callID, Payload: reason}
}

// Marshal serializes the message for transports that carry raw bytes.
//
// Wire format, big-endian:
//
//	[TYPE(1)][CALL_ID(16)][PAYLOAD_LEN(4)][PAYLOAD(n)]
func (m Message) Marshal() ([]byte, error) {
	if m.Type < MessageOffer || m.Type > MessageEnd {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, m.Type)
	}
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes",
			ErrMalformedMessage, len(m.Payload), MaxPayloadSize)
	}

	data := make([]byte, headerSize+len(m.Payload))
	data[0] = byte(m.Type)
	copy(data[1:17], m.CallID[:])
	binary.BigEndian.PutUint32(data[17:21], uint32(len(m.Payload)))
	copy(data[headerSize:], m.Payload)
	return data, nil
}

// UnmarshalMessage decodes wire bytes produced by Marshal. Arbitrary input
// is rejected with ErrMalformedMessage; it never panics.
func UnmarshalMessage(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrMalformedMessage, len(data), headerSize)
	}

	mt := MessageType(data[0])
	if mt < MessageOffer || mt > MessageEnd {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, data[0])
	}

	payloadLen := binary.BigEndian.Uint32(data[17:21])
	if payloadLen > MaxPayloadSize {
		return Message{}, fmt.Errorf("%w: declared payload %d exceeds %d bytes",
			ErrMalformedMessage, payloadLen, MaxPayloadSize)
	}
	if uint64(len(data)) != uint64(headerSize)+uint64(payloadLen) {
		return Message{}, fmt.Errorf("%w: declared payload %d but %d bytes present",
			ErrMalformedMessage, payloadLen, len(data)-headerSize)
	}

	var callID uuid.UUID
	copy(callID[:], data[1:17])

	return Message{
		Type:    mt,
		CallID:  callID,
		Payload: string(data[headerSize:]),
	}, nil
}
