package coordinator

import (
	"context"
	"sync"

	"github.com/getpup/clustercode/message"
)

// MockBroadcaster records broadcasts for use in tests.
type MockBroadcaster struct {
	mu sync.Mutex

	// BroadcastFunc is called by Broadcast if set.
	BroadcastFunc func(ctx context.Context, msg message.Message)

	// Call tracking
	Messages []message.Message
}

// Compile-time check that MockBroadcaster implements Broadcaster.
var _ Broadcaster = (*MockBroadcaster)(nil)

// NewMockBroadcaster creates a new mock broadcaster.
func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

// Broadcast implements Broadcaster.
func (m *MockBroadcaster) Broadcast(ctx context.Context, msg message.Message) {
	m.mu.Lock()
	m.Messages = append(m.Messages, msg)
	fn := m.BroadcastFunc
	m.mu.Unlock()

	if fn != nil {
		fn(ctx, msg)
	}
}

// Sent returns a copy of the recorded messages.
func (m *MockBroadcaster) Sent() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Message(nil), m.Messages...)
}

// StateUpdates returns the recorded TaskStateUpdate messages.
func (m *MockBroadcaster) StateUpdates() []message.TaskStateUpdate {
	var updates []message.TaskStateUpdate
	for _, msg := range m.Sent() {
		if u, ok := msg.(message.TaskStateUpdate); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

// Reset clears the call history.
func (m *MockBroadcaster) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
