package bus

import (
	"context"
	"sync"

	"github.com/getpup/clustercode"
)

// MockGateway is a configurable mock implementation of Gateway for use in tests.
// Publishes complete synchronously.
type MockGateway struct {
	mu sync.Mutex

	// SendTaskAddedFunc is called by SendTaskAdded if set; its error goes to the result callback.
	SendTaskAddedFunc func(ctx context.Context, event clustercode.TaskAddedEvent) error

	// SendTaskCompletedFunc is called by SendTaskCompleted if set.
	SendTaskCompletedFunc func(ctx context.Context, event clustercode.TaskCompletedEvent) error

	// HandleTaskCompletedEventsFunc is called by HandleTaskCompletedEvents if set.
	// Otherwise the call blocks until ctx is done.
	HandleTaskCompletedEventsFunc func(ctx context.Context, handler TaskCompletedHandler) error

	// Call tracking
	TaskAddedCalls     []clustercode.TaskAddedEvent
	TaskCompletedCalls []clustercode.TaskCompletedEvent
	HandleCalls        int
	CloseCalls         int
}

// Compile-time check that MockGateway implements Gateway.
var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// SendTaskAdded implements Gateway.
func (m *MockGateway) SendTaskAdded(ctx context.Context, event clustercode.TaskAddedEvent, result ResultFunc) {
	m.mu.Lock()
	m.TaskAddedCalls = append(m.TaskAddedCalls, event)
	fn := m.SendTaskAddedFunc
	m.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, event)
	}
	if result != nil {
		result(err)
	}
}

// SendTaskCompleted implements Gateway.
func (m *MockGateway) SendTaskCompleted(ctx context.Context, event clustercode.TaskCompletedEvent, result ResultFunc) {
	m.mu.Lock()
	m.TaskCompletedCalls = append(m.TaskCompletedCalls, event)
	fn := m.SendTaskCompletedFunc
	m.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, event)
	}
	if result != nil {
		result(err)
	}
}

// HandleTaskCompletedEvents implements Gateway.
func (m *MockGateway) HandleTaskCompletedEvents(ctx context.Context, handler TaskCompletedHandler) error {
	m.mu.Lock()
	m.HandleCalls++
	fn := m.HandleTaskCompletedEventsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, handler)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Close implements Gateway.
func (m *MockGateway) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Added returns a copy of the published task-added events.
func (m *MockGateway) Added() []clustercode.TaskAddedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]clustercode.TaskAddedEvent(nil), m.TaskAddedCalls...)
}

// Completed returns a copy of the published task-completed events.
func (m *MockGateway) Completed() []clustercode.TaskCompletedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]clustercode.TaskCompletedEvent(nil), m.TaskCompletedCalls...)
}
