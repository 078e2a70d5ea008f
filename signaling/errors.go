package signaling

import "errors"

// Sentinel errors for signaling operations. These enable reliable error
// classification with errors.Is().

var (
	// ErrInvalidSDP indicates an empty or structurally malformed session
	// description payload.
	ErrInvalidSDP = errors.New("invalid session description")

	// ErrInvalidParameter indicates empty or malformed caller input, such
	// as an empty candidate string.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrSessionNotFound indicates no negotiation session exists for the
	// referenced call.
	ErrSessionNotFound = errors.New("signaling session not found")

	// ErrSessionExpired indicates the negotiation session's deadline passed
	// before it completed. An expired session is never revived.
	ErrSessionExpired = errors.New("signaling session expired")

	// ErrTransportFailure indicates the underlying transport could not
	// send or receive a message.
	ErrTransportFailure = errors.New("signaling transport failure")

	// ErrMalformedMessage indicates wire bytes that do not decode into a
	// signaling message.
	ErrMalformedMessage = errors.New("malformed signaling message")

	// ErrHandlerNotRunning indicates the dispatch loop has not been started.
	ErrHandlerNotRunning = errors.New("signaling handler is not running")

	// ErrHandlerAlreadyRunning indicates Start was called twice.
	ErrHandlerAlreadyRunning = errors.New("signaling handler is already running")
)
