package transcode

import (
	"context"
	"sync"

	"github.com/getpup/clustercode"
)

// MockRunner is a mock implementation of Runner for testing.
type MockRunner struct {
	mu sync.Mutex

	TranscodeFunc func(ctx context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult
	ProgressFunc  func() clustercode.TranscodeProgress

	TranscodeCalls []clustercode.TranscodeTask
	CancelCalls    int

	kind   clustercode.Transcoder
	cancel chan struct{}
}

// Compile-time check that MockRunner implements Runner.
var _ Runner = (*MockRunner)(nil)

// NewMockRunner creates a new MockRunner with an empty call history.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		TranscodeCalls: make([]clustercode.TranscodeTask, 0),
		kind:           clustercode.TranscoderFFmpeg,
	}
}

// Transcode implements the Runner interface.
// It records the call, then:
// - If TranscodeFunc is set, calls and returns it
// - Otherwise, blocks until Cancel is called or ctx is done
func (m *MockRunner) Transcode(ctx context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult {
	cancel := make(chan struct{})

	m.mu.Lock()
	m.TranscodeCalls = append(m.TranscodeCalls, task)
	m.cancel = cancel
	fn := m.TranscodeFunc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.cancel == cancel {
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, task)
	}

	select {
	case <-cancel:
		return clustercode.TranscodeResult{Task: task, Cancelled: true, ExitCode: -1, HasExitCode: true}
	case <-ctx.Done():
		return clustercode.TranscodeResult{Task: task}
	}
}

// TranscodeAsync implements the Runner interface.
func (m *MockRunner) TranscodeAsync(ctx context.Context, task clustercode.TranscodeTask, listener func(clustercode.TranscodeResult)) {
	go func() {
		result := m.Transcode(ctx, task)
		if listener != nil {
			listener(result)
		}
	}()
}

// Progress implements the Runner interface.
func (m *MockRunner) Progress() clustercode.TranscodeProgress {
	m.mu.Lock()
	fn := m.ProgressFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return clustercode.InactiveProgress()
}

// Transcoder implements the Runner interface.
func (m *MockRunner) Transcoder() clustercode.Transcoder {
	return m.kind
}

// Cancel implements the Runner interface. It unblocks a pending Transcode.
func (m *MockRunner) Cancel(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if m.cancel == nil {
		return false
	}
	close(m.cancel)
	m.cancel = nil
	return true
}

// Running implements the Runner interface.
func (m *MockRunner) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Calls returns a copy of the recorded Transcode calls.
func (m *MockRunner) Calls() []clustercode.TranscodeTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]clustercode.TranscodeTask(nil), m.TranscodeCalls...)
}

// Reset clears the call history.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscodeCalls = make([]clustercode.TranscodeTask, 0)
	m.CancelCalls = 0
}
