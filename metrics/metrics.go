package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TasksStartedTotal tracks the number of tasks claimed by a node.
var TasksStartedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_tasks_started_total",
		Help: "Total tasks claimed by the node",
	},
	[]string{"node"},
)

// TasksFinishedTotal tracks the number of finished tasks by result (succeeded, failed, cancelled).
var TasksFinishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_tasks_finished_total",
		Help: "Total tasks finished by the node",
	},
	[]string{"node", "result"},
)

// ClusterMessagesTotal tracks the number of cluster messages handled, by kind.
var ClusterMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_cluster_messages_total",
		Help: "Total cluster messages handled",
	},
	[]string{"node", "kind"},
)

// ClusterMessagesDroppedTotal tracks the number of cluster messages dropped, by reason.
var ClusterMessagesDroppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_cluster_messages_dropped_total",
		Help: "Total cluster messages dropped",
	},
	[]string{"node", "reason"},
)

// BroadcastFailuresTotal tracks the number of failed sends to cluster members.
var BroadcastFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_broadcast_failures_total",
		Help: "Total failed sends to cluster members",
	},
	[]string{"node"},
)

// ClusterMembers tracks the size of the current cluster view.
var ClusterMembers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "clustercode_cluster_members",
		Help: "Current number of cluster members",
	},
	[]string{"node"},
)

// TranscodeProgress tracks the progress of the running task in percent (-1 when idle).
var TranscodeProgress = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "clustercode_transcode_progress_percent",
		Help: "Progress of the running transcoding in percent, -1 when idle",
	},
	[]string{"node"},
)

// ProcessKillsTotal tracks the number of forcibly terminated transcoder processes.
var ProcessKillsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_process_kills_total",
		Help: "Total transcoder processes killed",
	},
	[]string{"node"},
)

// BusPublishedTotal tracks the number of events published to the message bus, by result.
var BusPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "clustercode_bus_published_total",
		Help: "Total events published to the message bus",
	},
	[]string{"node", "result"},
)

// TranscodeDuration tracks the wall time of transcoding runs.
var TranscodeDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "clustercode_transcode_duration_seconds",
		Help:    "Wall time of transcoding runs",
		Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
	},
	[]string{"node"},
)
