package transport

import "errors"

// Sentinel errors for transport implementations.

var (
	// ErrUnknownPeer indicates the destination peer is not registered on
	// the network.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed indicates the endpoint or pipe has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrHandshakeFailed indicates the Noise handshake did not complete.
	ErrHandshakeFailed = errors.New("noise handshake failed")

	// ErrHandshakeRequired indicates encrypted I/O before the handshake.
	ErrHandshakeRequired = errors.New("noise handshake not complete")
)
