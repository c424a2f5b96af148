// Package bus connects the node to the durable message bus that carries job lifecycle events.
package bus

import (
	"context"

	"github.com/getpup/clustercode"
)

// Default queue names.
const (
	DefaultTaskAddedQueue     = "task-added"
	DefaultTaskCompletedQueue = "task-completed"
)

// ResultFunc receives the outcome of a publish. A nil error means the event was accepted.
type ResultFunc func(err error)

// TaskCompletedHandler processes a completed-task event.
// Returning an error leaves the event on the bus for redelivery.
type TaskCompletedHandler func(ctx context.Context, event clustercode.TaskCompletedEvent) error

// Gateway publishes and consumes job lifecycle events.
//
// Delivery is at-least-once: handlers must be idempotent. Implementations recover
// from broker failures on their own; publish failures are reported to the
// ResultFunc, never returned or panicked.
type Gateway interface {
	// SendTaskAdded publishes event asynchronously and reports the outcome to result (may be nil).
	SendTaskAdded(ctx context.Context, event clustercode.TaskAddedEvent, result ResultFunc)

	// SendTaskCompleted publishes event asynchronously and reports the outcome to result (may be nil).
	SendTaskCompleted(ctx context.Context, event clustercode.TaskCompletedEvent, result ResultFunc)

	// HandleTaskCompletedEvents delivers completed-task events to handler until ctx
	// is done or the gateway is closed. It blocks.
	HandleTaskCompletedEvents(ctx context.Context, handler TaskCompletedHandler) error

	// Close stops consumers and waits for pending publishes.
	Close() error
}
