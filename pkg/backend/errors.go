package backend

import "errors"

// Sentinel errors returned by the multiplexer. Callers match them with
// errors.Is; wrapped forms carry the call_id and operation.
var (
	// ErrChannelClosed reports that the shared back-end channel died. Every
	// open sub-session receives it as an error event before being closed.
	ErrChannelClosed = errors.New("backend channel closed")

	// ErrBusy reports that a send could not be accepted within the send
	// timeout because the channel is back-pressured.
	ErrBusy = errors.New("backend channel busy")

	// ErrSessionClosed reports an operation on a closed sub-session.
	ErrSessionClosed = errors.New("sub-session closed")

	// ErrInvariantViolation reports a forbidden state transition, such as
	// opening a second sub-session for the same (call, kind) pair.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrHandshakeFailed reports that the server never acknowledged a
	// set_mode request. The multiplexer tolerates it (the session proceeds
	// unconfirmed) and only surfaces it in logs.
	ErrHandshakeFailed = errors.New("mode handshake not acknowledged")

	// ErrResponseTimeout reports that a control round-trip (status, reload)
	// received no reply within the response timeout.
	ErrResponseTimeout = errors.New("control response timeout")
)
