package bridge

import (
	"context"

	"github.com/google/uuid"

	"github.com/opd-ai/peercall/identity"
)

// Dialer establishes one multiplexed connection per remote peer. The
// transport package provides in-memory and Noise-encrypted implementations;
// any QUIC-like multiplexing substrate fits the same contract.
type Dialer interface {
	Dial(ctx context.Context, peer identity.Identity) (Conn, error)
}

// Conn is a multiplexed connection to one peer carrying any number of
// logical sub-streams.
type Conn interface {
	// OpenStream opens the outbound sub-stream for one (call, stream type)
	// pair.
	OpenStream(ctx context.Context, callID uuid.UUID, st StreamType) (Stream, error)

	// AcceptStream blocks until the peer opens a sub-stream toward us or
	// the context is done.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close tears down the connection and every sub-stream on it.
	Close() error
}

// Stream is one ordered byte pipe within a Conn. The bridge frames packets
// onto it length-prefixed.
type Stream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}
