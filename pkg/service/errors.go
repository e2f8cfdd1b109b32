package service

import "github.com/pkg/errors"

// Error taxonomy for the orchestration core. Callers classify with
// errors.Is; messages carry the specifics (e.g. which run blocks a start).
var (
	// ErrConflict signals a violation of the one-active-run-per-robot
	// invariant. The wrapped message names the active run.
	ErrConflict = errors.New("robot already has an active run")

	// ErrInvalidState signals a control operation on a terminal run.
	ErrInvalidState = errors.New("run is in a terminal state")

	// ErrEngineUnresponsive is logged, never returned: an abort that the
	// engine fails to acknowledge is forced locally.
	ErrEngineUnresponsive = errors.New("engine did not acknowledge abort")
)
