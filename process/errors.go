package process

import "errors"

var (
	// ErrNoExecutable indicates the supervisor was configured without an executable.
	ErrNoExecutable = errors.New("no executable configured")

	// ErrAlreadyStarted indicates Start was called on a supervisor that already ran.
	// A supervisor manages exactly one process and cannot be reused.
	ErrAlreadyStarted = errors.New("supervisor already started")
)
