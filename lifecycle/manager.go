package lifecycle

import (
	"context"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/metrics"
	"github.com/getpup/clustercode/taskstate"
)

// Announcer broadcasts the local task-state entry to the cluster.
type Announcer interface {
	AnnounceLocal(ctx context.Context)
}

// ProgressSource reports the progress of the running transcoding.
type ProgressSource interface {
	Progress() clustercode.TranscodeProgress
}

// Config holds configuration for the lifecycle Manager.
type Config struct {
	// Replica is the local task-state replica (required).
	Replica *taskstate.Replica

	// Announcer publishes the local entry (required).
	Announcer Announcer

	// Progress is read before each heartbeat to refresh the task percentage (optional).
	Progress ProgressSource

	// HeartbeatInterval is the interval between heartbeats (default: 5s).
	HeartbeatInterval time.Duration

	// Logger is for observability (optional).
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Manager periodically re-announces the local node's task entry, so that peers
// which missed an update or joined later converge, and carries progress updates
// from the owner to its peers.
type Manager struct {
	config Config
}

// New creates a new lifecycle Manager with the given configuration.
// Applies default values for HeartbeatInterval if not set.
func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	return &Manager{
		config: cfg,
	}
}

// StartHeartbeat runs a heartbeat loop until the context is cancelled.
func (m *Manager) StartHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Beat(ctx)
		}
	}
}

// Beat refreshes the local task's progress and announces the local entry once.
func (m *Manager) Beat(ctx context.Context) {
	if m.config.Progress != nil {
		progress := m.config.Progress.Progress()
		if !progress.IsInactive() {
			if _, ok := m.config.Replica.UpdateProgress(progress.Percentage); ok && m.config.Collector != nil {
				m.config.Collector.SetTranscodeProgress(progress.Percentage)
			}
		}
	}

	m.config.Announcer.AnnounceLocal(ctx)

	if m.config.Logger != nil {
		entry := m.config.Replica.LocalEntry()
		if entry.Active() {
			m.config.Logger.Debug(ctx, "heartbeat sent", "taskID", entry.Task.TaskID, "percentage", entry.Task.Percentage)
		} else {
			m.config.Logger.Debug(ctx, "heartbeat sent", "idle", true)
		}
	}
}
