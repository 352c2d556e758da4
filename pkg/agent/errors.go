package agent

import "errors"

var (
	// ErrNotAuthenticated means the control server has no session for this agent.
	// It is the normal idle state, not a failure.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTransient covers network failures, unexpected status codes and bad bodies.
	// The cycle is abandoned and retried on the next tick.
	ErrTransient = errors.New("transient failure")

	// ErrMalformedCommand means the server returned a command without an id or type
	ErrMalformedCommand = errors.New("malformed command")

	// ErrNoEligibleTarget means the execution context has nothing to run the command on
	ErrNoEligibleTarget = errors.New("no eligible target")
)
