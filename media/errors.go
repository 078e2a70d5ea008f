package media

import "errors"

// Sentinel errors for the media boundary. These enable reliable error
// classification with errors.Is().

var (
	// ErrDecodeFailure indicates bytes that the codec or RTP parser could
	// not decode.
	ErrDecodeFailure = errors.New("media decode failure")

	// ErrSizeExceeded indicates a decoded frame larger than the configured
	// ceiling.
	ErrSizeExceeded = errors.New("frame size exceeded")

	// ErrDimensionMismatch indicates decoded frame dimensions that differ
	// from the locally configured expectation.
	ErrDimensionMismatch = errors.New("frame dimension mismatch")

	// ErrInvalidFrame indicates a structurally inconsistent frame, such as
	// a plane layout that does not match its declared dimensions.
	ErrInvalidFrame = errors.New("invalid frame")
)
