package metrics

import "time"

// Result labels of TasksFinishedTotal.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Collector records metrics with the node label pre-filled.
type Collector struct {
	node string
}

// NewCollector creates a new Collector for the given node.
func NewCollector(node string) *Collector {
	return &Collector{node: node}
}

// IncTasksStarted increments the started tasks counter.
func (c *Collector) IncTasksStarted() {
	TasksStartedTotal.WithLabelValues(c.node).Inc()
}

// IncTasksFinished increments the finished tasks counter for result.
func (c *Collector) IncTasksFinished(result string) {
	TasksFinishedTotal.WithLabelValues(c.node, result).Inc()
}

// IncClusterMessages increments the handled messages counter for a message kind.
func (c *Collector) IncClusterMessages(kind string) {
	ClusterMessagesTotal.WithLabelValues(c.node, kind).Inc()
}

// IncClusterMessagesDropped increments the dropped messages counter for reason.
func (c *Collector) IncClusterMessagesDropped(reason string) {
	ClusterMessagesDroppedTotal.WithLabelValues(c.node, reason).Inc()
}

// IncBroadcastFailures increments the broadcast failures counter.
func (c *Collector) IncBroadcastFailures() {
	BroadcastFailuresTotal.WithLabelValues(c.node).Inc()
}

// SetClusterMembers sets the cluster members gauge.
func (c *Collector) SetClusterMembers(count int) {
	ClusterMembers.WithLabelValues(c.node).Set(float64(count))
}

// SetTranscodeProgress sets the progress gauge.
func (c *Collector) SetTranscodeProgress(percentage float64) {
	TranscodeProgress.WithLabelValues(c.node).Set(percentage)
}

// IncProcessKills increments the killed processes counter.
func (c *Collector) IncProcessKills() {
	ProcessKillsTotal.WithLabelValues(c.node).Inc()
}

// IncBusPublished increments the published events counter. A nil err counts as "ok".
func (c *Collector) IncBusPublished(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BusPublishedTotal.WithLabelValues(c.node, result).Inc()
}

// ObserveTranscodeDuration records the wall time of a transcoding run.
func (c *Collector) ObserveTranscodeDuration(d time.Duration) {
	TranscodeDuration.WithLabelValues(c.node).Observe(d.Seconds())
}
