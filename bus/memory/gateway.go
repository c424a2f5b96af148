// Package memory provides an in-process bus Gateway for single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
)

// Gateway is an in-memory implementation of bus.Gateway.
// Events live only as long as the process.
type Gateway struct {
	mu        sync.Mutex
	added     []clustercode.TaskAddedEvent
	completed []clustercode.TaskCompletedEvent // pending delivery, oldest first

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	retryInterval time.Duration
}

// Compile-time check that Gateway implements bus.Gateway.
var _ bus.Gateway = (*Gateway)(nil)

// New creates an empty in-memory gateway. Events whose handler fails are
// redelivered after retryInterval (default: 100ms).
func New(retryInterval time.Duration) *Gateway {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &Gateway{
		notify:        make(chan struct{}, 1),
		closed:        make(chan struct{}),
		retryInterval: retryInterval,
	}
}

// SendTaskAdded records event. It fails only after Close.
func (g *Gateway) SendTaskAdded(_ context.Context, event clustercode.TaskAddedEvent, result bus.ResultFunc) {
	err := g.push(func() { g.added = append(g.added, event) })
	if result != nil {
		result(err)
	}
}

// SendTaskCompleted queues event for HandleTaskCompletedEvents.
func (g *Gateway) SendTaskCompleted(_ context.Context, event clustercode.TaskCompletedEvent, result bus.ResultFunc) {
	err := g.push(func() { g.completed = append(g.completed, event) })
	if err == nil {
		select {
		case g.notify <- struct{}{}:
		default:
		}
	}
	if result != nil {
		result(err)
	}
}

// HandleTaskCompletedEvents delivers queued events one at a time.
// An event whose handler fails goes back to the head of the queue.
func (g *Gateway) HandleTaskCompletedEvents(ctx context.Context, handler bus.TaskCompletedHandler) error {
	for {
		event, ok := g.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.closed:
				return bus.ErrClosed
			case <-g.notify:
				continue
			}
		}

		if err := handler(ctx, event); err != nil {
			g.mu.Lock()
			g.completed = append([]clustercode.TaskCompletedEvent{event}, g.completed...)
			g.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.closed:
				return bus.ErrClosed
			case <-time.After(g.retryInterval):
			}
		}
	}
}

// Close stops consumers. Later publishes report bus.ErrClosed.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() { close(g.closed) })
	return nil
}

// TaskAdded returns the published task-added events.
func (g *Gateway) TaskAdded() []clustercode.TaskAddedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]clustercode.TaskAddedEvent(nil), g.added...)
}

// Pending returns the number of undelivered task-completed events.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.completed)
}

func (g *Gateway) push(fn func()) error {
	select {
	case <-g.closed:
		return bus.ErrClosed
	default:
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
	return nil
}

func (g *Gateway) pop() (clustercode.TaskCompletedEvent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.completed) == 0 {
		return clustercode.TaskCompletedEvent{}, false
	}
	event := g.completed[0]
	g.completed = g.completed[1:]
	return event, true
}
