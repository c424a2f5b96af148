// Package coordinator claims jobs for the local node and keeps the cluster informed about them.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/message"
	"github.com/getpup/clustercode/metrics"
	"github.com/getpup/clustercode/taskstate"
	"github.com/google/uuid"
)

// Broadcaster sends a message to every cluster member.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg message.Message)
}

// Config holds configuration for the Coordinator.
type Config struct {
	// Replica is the local task-state replica (required).
	Replica *taskstate.Replica

	// Broadcaster is the cluster transport (required).
	Broadcaster Broadcaster

	// Gateway receives job lifecycle events (optional).
	Gateway bus.Gateway

	// Logger is for observability (optional).
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Coordinator owns the local node's entry in the task-state replica.
// It is the only writer of that entry besides cancellation handling.
type Coordinator struct {
	config Config

	// serializes claims so a node never takes two jobs
	mu sync.Mutex
}

// New creates a new Coordinator with the given configuration.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
	}
}

// Claim takes ownership of media for the local node, announces it to the cluster
// and publishes a TaskAddedEvent.
// Returns clustercode.ErrBusy if the local node already runs a task and
// clustercode.ErrAlreadyQueued if any node already owns the media.
func (c *Coordinator) Claim(ctx context.Context, media clustercode.Media, profile clustercode.Profile) (clustercode.ClusterTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Replica.LocalEntry().Active() {
		return clustercode.ClusterTask{}, clustercode.ErrBusy
	}
	if c.config.Replica.IsQueuedInCluster(media) {
		if c.config.Logger != nil {
			c.config.Logger.Info(ctx, "media already queued in cluster", "source", media.SourcePath)
		}
		return clustercode.ClusterTask{}, clustercode.ErrAlreadyQueued
	}

	entry := c.config.Replica.SetTask(clustercode.ClusterTask{
		TaskID:     uuid.New().String(),
		Source:     media,
		Profile:    profile,
		Priority:   media.Priority,
		DateAdded:  time.Now(),
		Percentage: -1,
	})
	task := *entry.Task
	c.announce(ctx, entry)

	event := clustercode.TaskAddedEvent{
		JobID:   task.TaskID,
		Media:   media,
		Profile: profile,
		Node:    task.Owner,
		AddedAt: task.DateAdded,
	}
	c.config.Broadcaster.Broadcast(ctx, message.NewTaskAdded(event))
	if c.config.Gateway != nil {
		c.config.Gateway.SendTaskAdded(ctx, event, c.published("task-added", task.TaskID))
	}

	if c.config.Collector != nil {
		c.config.Collector.IncTasksStarted()
	}
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "claimed task", "taskID", task.TaskID, "source", media.SourcePath, "profile", profile.Name)
	}

	return task, nil
}

// Release clears the local entry if it still holds task, announces the change and
// publishes a TaskCompletedEvent describing result.
func (c *Coordinator) Release(ctx context.Context, task clustercode.ClusterTask, result clustercode.TranscodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// a cancellation may already have cleared the entry
	if current := c.config.Replica.LocalEntry(); current.Active() && current.Task.TaskID == task.TaskID {
		c.announce(ctx, c.config.Replica.ClearTask())
	}

	event := clustercode.TaskCompletedEvent{
		JobID:       task.TaskID,
		Media:       task.Source,
		Node:        c.config.Replica.LocalNode(),
		Succeeded:   result.Succeeded,
		Cancelled:   result.Cancelled,
		OutputPath:  result.OutputPath,
		CompletedAt: time.Now(),
	}
	c.config.Broadcaster.Broadcast(ctx, message.NewTaskCompleted(event))
	if c.config.Gateway != nil {
		c.config.Gateway.SendTaskCompleted(ctx, event, c.published("task-completed", task.TaskID))
	}

	if c.config.Collector != nil {
		c.config.Collector.IncTasksFinished(resultLabel(result))
		c.config.Collector.ObserveTranscodeDuration(result.Duration)
		c.config.Collector.SetTranscodeProgress(-1)
	}
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "released task",
			"taskID", task.TaskID,
			"succeeded", result.Succeeded,
			"cancelled", result.Cancelled,
			"exitCode", result.ExitCode,
			"duration", result.Duration)
	}
}

// Reset clears the local entry with a fresh timestamp and announces it.
// A restarted node calls Reset so that peers drop the task of its previous incarnation.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announce(ctx, c.config.Replica.ClearTask())
}

// AnnounceLocal broadcasts the current local entry.
func (c *Coordinator) AnnounceLocal(ctx context.Context) {
	c.announce(ctx, c.config.Replica.LocalEntry())
}

// LocalState returns the local entry as a message, for full state exchange with peers.
func (c *Coordinator) LocalState() message.Message {
	entry := c.config.Replica.LocalEntry()
	return message.NewTaskStateUpdate(c.config.Replica.LocalNode(), entry.Task, entry.LastUpdated)
}

func (c *Coordinator) announce(ctx context.Context, entry taskstate.Entry) {
	c.config.Broadcaster.Broadcast(ctx, message.NewTaskStateUpdate(c.config.Replica.LocalNode(), entry.Task, entry.LastUpdated))
}

// published returns the result callback for a bus publish.
func (c *Coordinator) published(queue, taskID string) bus.ResultFunc {
	return func(err error) {
		if err != nil && c.config.Logger != nil {
			c.config.Logger.Error(context.Background(), "failed to publish bus event", "queue", queue, "taskID", taskID, "error", err)
		}
	}
}

func resultLabel(result clustercode.TranscodeResult) string {
	switch {
	case result.Cancelled:
		return metrics.ResultCancelled
	case result.Succeeded:
		return metrics.ResultSucceeded
	default:
		return metrics.ResultFailed
	}
}
