// Package dispatch routes cluster messages to the components that act on them.
package dispatch

import (
	"context"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/cluster"
	"github.com/getpup/clustercode/message"
	"github.com/getpup/clustercode/metrics"
	"github.com/getpup/clustercode/taskstate"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Canceller stops the task running on this node.
// Cancel returns false if nothing was running.
type Canceller interface {
	Cancel(ctx context.Context) bool
}

// Announcer broadcasts the local task-state entry to the cluster.
type Announcer interface {
	AnnounceLocal(ctx context.Context)
}

// Config holds configuration for the Dispatcher.
type Config struct {
	// Replica is the local task-state replica (required).
	Replica *taskstate.Replica

	// Canceller stops the local transcoding run (optional).
	Canceller Canceller

	// Announcer publishes the local entry after a cancellation (optional).
	Announcer Announcer

	// OnProfileSelected, OnTaskAdded and OnTaskCompleted are invoked for the
	// corresponding messages (optional).
	OnProfileSelected func(ctx context.Context, sender clustercode.ClusterNode, msg message.ProfileSelected)
	OnTaskAdded       func(ctx context.Context, event clustercode.TaskAddedEvent)
	OnTaskCompleted   func(ctx context.Context, event clustercode.TaskCompletedEvent)

	// DedupeSize is the number of recent message ids remembered (default: 512).
	DedupeSize int

	// Logger is an optional logger for observability.
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Dispatcher delivers each message to exactly one handling path based on its type.
type Dispatcher struct {
	config Config
	seen   *lru.Cache[string, struct{}]
}

// Compile-time check that Dispatcher can be registered with the membership.
var _ cluster.Handler = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 512
	}

	// lru.New only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](cfg.DedupeSize)

	return &Dispatcher{
		config: cfg,
		seen:   seen,
	}
}

// OnMessage implements cluster.Handler.
func (d *Dispatcher) OnMessage(ctx context.Context, sender clustercode.ClusterNode, msg message.Message) {
	d.Dispatch(ctx, sender, msg)
}

// OnViewChange implements cluster.Handler by dropping entries of departed nodes.
func (d *Dispatcher) OnViewChange(ctx context.Context, members []clustercode.ClusterNode) {
	removed := d.config.Replica.Prune(members)
	if len(removed) > 0 && d.config.Logger != nil {
		d.config.Logger.Info(ctx, "pruned task state of departed nodes", "nodes", removed)
	}
}

// Dispatch handles msg. It returns false if the message was a duplicate or of an unknown kind.
func (d *Dispatcher) Dispatch(ctx context.Context, sender clustercode.ClusterNode, msg message.Message) bool {
	if id := msg.ID(); id != "" {
		if found, _ := d.seen.ContainsOrAdd(id, struct{}{}); found {
			if d.config.Logger != nil {
				d.config.Logger.Debug(ctx, "ignoring duplicate message", "messageID", id, "sender", sender)
			}
			return false
		}
	}

	if d.config.Collector != nil {
		d.config.Collector.IncClusterMessages(string(msg.Kind()))
	}

	switch m := msg.(type) {
	case message.CancelTask:
		d.handleCancel(ctx, sender, m)

	case message.TaskStateUpdate:
		node := m.Node
		if node == "" {
			node = sender
		}
		if d.config.Replica.Merge(node, taskstate.Entry{Task: m.Task, LastUpdated: m.LastUpdated}) && d.config.Logger != nil {
			d.config.Logger.Debug(ctx, "merged task state", "node", node, "active", m.Task != nil)
		}

	case message.ProfileSelected:
		if d.config.OnProfileSelected != nil {
			d.config.OnProfileSelected(ctx, sender, m)
		}

	case message.TaskAdded:
		if d.config.OnTaskAdded != nil {
			d.config.OnTaskAdded(ctx, m.Event)
		}

	case message.TaskCompleted:
		if d.config.OnTaskCompleted != nil {
			d.config.OnTaskCompleted(ctx, m.Event)
		}

	default:
		if d.config.Logger != nil {
			d.config.Logger.Warn(ctx, "dropping message of unknown kind", "kind", msg.Kind(), "sender", sender)
		}
		return false
	}

	return true
}

// handleCancel stops the local task if the request names this node.
func (d *Dispatcher) handleCancel(ctx context.Context, sender clustercode.ClusterNode, m message.CancelTask) {
	if clustercode.ClusterNode(m.Hostname) != d.config.Replica.LocalNode() {
		return
	}

	if d.config.Logger != nil {
		d.config.Logger.Info(ctx, "cancelling local task", "requestedBy", sender)
	}

	cancelled := false
	if d.config.Canceller != nil {
		cancelled = d.config.Canceller.Cancel(ctx)
	}
	d.config.Replica.ClearTask()

	if d.config.Announcer != nil {
		d.config.Announcer.AnnounceLocal(ctx)
	}

	if d.config.Logger != nil {
		d.config.Logger.Info(ctx, "local task cancelled", "processStopped", cancelled)
	}
}
