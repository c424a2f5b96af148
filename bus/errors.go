package bus

import "errors"

var (
	// ErrClosed indicates the gateway was closed.
	ErrClosed = errors.New("bus gateway closed")

	// ErrUnsupportedDialect indicates an SQL driver the outbox has no dialect for.
	ErrUnsupportedDialect = errors.New("unsupported sql dialect")
)
