package call

import "errors"

// Sentinel errors for call lifecycle operations. These enable reliable
// error classification with errors.Is().

var (
	// ErrInvalidParameter indicates empty or malformed caller input, such
	// as a nil callee or constraints requesting no media at all.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotFound indicates a call id that never existed, or one whose
	// session has already been removed.
	ErrNotFound = errors.New("call not found")

	// ErrInvalidStateTransition indicates an operation that is illegal in
	// the call's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrResourceExhausted indicates the concurrent-call cap is reached.
	ErrResourceExhausted = errors.New("concurrent call limit reached")

	// ErrTransportFailure indicates signaling or bridge I/O failed while
	// executing the operation.
	ErrTransportFailure = errors.New("call transport failure")

	// ErrManagerClosed indicates an operation on a manager after Stop.
	ErrManagerClosed = errors.New("call manager closed")
)
