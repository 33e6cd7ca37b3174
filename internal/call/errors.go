package call

import "errors"

// Sentinel errors classifying pipeline failures. Adapters wrap these with
// fmt.Errorf("call: ...: %w", ...) so callers can branch with [errors.Is]
// while logs keep the full story.
var (
	// ErrTransport indicates a frame-delivery failure on the telephony leg.
	// Fatal to the session: the line is gone, tear down.
	ErrTransport = errors.New("transport failure")

	// ErrEngineTimeout indicates a downstream engine missed its per-stage
	// deadline. Non-fatal: the stage's documented fallback applies.
	ErrEngineTimeout = errors.New("engine deadline exceeded")

	// ErrEngineUnavailable indicates stream setup or connection failure
	// against a downstream engine, after bounded retries were exhausted.
	// Non-fatal: the call degrades to fallback content.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrProtocolViolation indicates malformed or out-of-order data from an
	// engine or an event arriving in a state that cannot accept it. The
	// offending segment or turn is discarded and the session continues.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStateViolation indicates an internal invariant breach, such as two
	// open turns at once. Always fatal: the state machine can no longer be
	// trusted for this call.
	ErrStateViolation = errors.New("state violation")

	// ErrSessionEnded is returned by operations invoked after the session
	// reached its terminal state.
	ErrSessionEnded = errors.New("session ended")
)

// IsFatal reports whether err requires immediate session teardown rather
// than stage-local fallback handling.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrStateViolation)
}
