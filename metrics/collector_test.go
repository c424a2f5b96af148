package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector_CreatesCollectorWithNode(t *testing.T) {
	collector := NewCollector("test-node")

	assert.NotNil(t, collector)
	assert.Equal(t, "test-node", collector.node)
}

func TestCollector_IncTasksStarted(t *testing.T) {
	collector := NewCollector("coll-node-1")

	before := testutil.ToFloat64(TasksStartedTotal.WithLabelValues("coll-node-1"))
	collector.IncTasksStarted()
	after := testutil.ToFloat64(TasksStartedTotal.WithLabelValues("coll-node-1"))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncTasksFinished(t *testing.T) {
	collector := NewCollector("coll-node-2")

	before := testutil.ToFloat64(TasksFinishedTotal.WithLabelValues("coll-node-2", ResultCancelled))
	collector.IncTasksFinished(ResultCancelled)
	after := testutil.ToFloat64(TasksFinishedTotal.WithLabelValues("coll-node-2", ResultCancelled))

	assert.Equal(t, before+1, after)
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksFinishedTotal.WithLabelValues("coll-node-2", ResultSucceeded)))
}

func TestCollector_IncClusterMessages(t *testing.T) {
	collector := NewCollector("coll-node-3")

	collector.IncClusterMessages("cancel-task")
	collector.IncClusterMessages("cancel-task")

	assert.Equal(t, float64(2), testutil.ToFloat64(ClusterMessagesTotal.WithLabelValues("coll-node-3", "cancel-task")))
}

func TestCollector_IncClusterMessagesDropped(t *testing.T) {
	collector := NewCollector("coll-node-4")

	collector.IncClusterMessagesDropped("inbox_full")

	assert.Equal(t, float64(1), testutil.ToFloat64(ClusterMessagesDroppedTotal.WithLabelValues("coll-node-4", "inbox_full")))
}

func TestCollector_IncBroadcastFailures(t *testing.T) {
	collector := NewCollector("coll-node-5")

	collector.IncBroadcastFailures()

	assert.Equal(t, float64(1), testutil.ToFloat64(BroadcastFailuresTotal.WithLabelValues("coll-node-5")))
}

func TestCollector_SetClusterMembers(t *testing.T) {
	collector := NewCollector("coll-node-6")

	collector.SetClusterMembers(4)
	collector.SetClusterMembers(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(ClusterMembers.WithLabelValues("coll-node-6")))
}

func TestCollector_SetTranscodeProgress(t *testing.T) {
	collector := NewCollector("coll-node-7")

	collector.SetTranscodeProgress(55.5)

	assert.Equal(t, 55.5, testutil.ToFloat64(TranscodeProgress.WithLabelValues("coll-node-7")))
}

func TestCollector_IncProcessKills(t *testing.T) {
	collector := NewCollector("coll-node-8")

	collector.IncProcessKills()

	assert.Equal(t, float64(1), testutil.ToFloat64(ProcessKillsTotal.WithLabelValues("coll-node-8")))
}

func TestCollector_IncBusPublished(t *testing.T) {
	collector := NewCollector("coll-node-9")

	collector.IncBusPublished(nil)
	collector.IncBusPublished(errors.New("connection refused"))
	collector.IncBusPublished(nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(BusPublishedTotal.WithLabelValues("coll-node-9", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(BusPublishedTotal.WithLabelValues("coll-node-9", "error")))
}

func TestCollector_ObserveTranscodeDuration(t *testing.T) {
	collector := NewCollector("coll-node-10")

	collector.ObserveTranscodeDuration(90 * time.Second)

	assert.GreaterOrEqual(t, testutil.CollectAndCount(TranscodeDuration, "clustercode_transcode_duration_seconds"), 1)
}
