package bridge

import "errors"

// Sentinel errors for bridge operations. These enable reliable error
// classification with errors.Is().

var (
	// ErrInvalidData indicates bytes that do not decode into a packet, or
	// packet fields outside their wire ranges.
	ErrInvalidData = errors.New("invalid packet data")

	// ErrStreamClosed indicates a send addressed to a sub-stream that has
	// been closed by call teardown or the idle janitor.
	ErrStreamClosed = errors.New("sub-stream closed")

	// ErrTransportFailure indicates the underlying connection could not be
	// established or a stream operation failed. The bridge never retries;
	// retry policy belongs to the caller.
	ErrTransportFailure = errors.New("bridge transport failure")

	// ErrBridgeClosed indicates an operation on a bridge after Close.
	ErrBridgeClosed = errors.New("bridge closed")
)
