// Package clustercode coordinates a fleet of worker nodes that jointly transcode media files.
//
// Each node joins a gossip group, replicates which job it owns, supervises the
// external transcoder process for that job, and propagates completion and
// cancellation to its peers and to a durable message bus.
package clustercode

import (
	"context"

	"github.com/getpup/pupsourcing/es"
)

// Logger is the logging contract used by every component.
// It extends es.Logger with a warning level for abnormal but non-fatal conditions.
type Logger interface {
	es.Logger

	// Warn logs an abnormal condition that does not stop the node.
	Warn(ctx context.Context, msg string, keyvals ...interface{})
}

// TaskHook is the narrow surface consumed by the REST facade.
type TaskHook interface {
	// Tasks returns the active tasks of every known node.
	Tasks() []ClusterTask

	// CancelTask cancels the task running on the node with the given hostname.
	// Returns false if that node has no active task.
	CancelTask(ctx context.Context, hostname string) bool
}
