//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/getpup/clustercode/bus/sqlbus"
	"github.com/getpup/clustercode/logging"
	"github.com/getpup/clustercode/pkg/clustercode"
	"github.com/getpup/clustercode/transcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completions records completion events consumed from the bus, by job.
type completions struct {
	mu     sync.Mutex
	byJob  map[string]int
	events []clustercode.TaskCompletedEvent
}

func newCompletions() *completions {
	return &completions{byJob: make(map[string]int)}
}

func (c *completions) handle(_ context.Context, event clustercode.TaskCompletedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byJob[event.JobID]++
	c.events = append(c.events, event)
	return nil
}

func (c *completions) count(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byJob[jobID]
}

type runningNode struct {
	*clustercode.Node
	runner *transcode.MockRunner
}

func startNode(t *testing.T, db *sql.DB, hostname string, handler *completions, seeds ...string) runningNode {
	t.Helper()
	runner := transcode.NewMockRunner()

	n, err := clustercode.New(
		clustercode.WithHostname(hostname),
		clustercode.WithGroupName("integration"),
		clustercode.WithBindAddress("127.0.0.1"),
		clustercode.WithSeeds(seeds...),
		clustercode.WithRunner(runner),
		clustercode.WithDatabase(db, sqlbus.DialectPostgres),
		clustercode.WithTableName(testTable),
		clustercode.WithPollInterval(50*time.Millisecond),
		clustercode.WithHeartbeatInterval(100*time.Millisecond),
		clustercode.WithTaskCompletedHandler(handler.handle),
		clustercode.WithMetricsEnabled(false),
		clustercode.WithLogger(logging.Nop()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return n.Address() != "" }, 5*time.Second, 10*time.Millisecond)
	return runningNode{Node: n, runner: runner}
}

func TestCluster_EndToEnd(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	setupTables(t, db)
	defer teardownTables(t, db)
	cleanupTables(t, db)

	handled := newCompletions()
	a := startNode(t, db, "node-a", handled)
	b := startNode(t, db, "node-b", handled, a.Address())
	c := startNode(t, db, "node-c", handled, a.Address())

	require.Eventually(t, func() bool {
		return len(a.Members()) == 3 && len(b.Members()) == 3 && len(c.Members()) == 3
	}, 15*time.Second, 50*time.Millisecond)

	media := clustercode.Media{SourcePath: "/media/movie.mkv", Priority: 2}
	a.runner.TranscodeFunc = func(_ context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult {
		return clustercode.TranscodeResult{Task: task, Succeeded: true, HasExitCode: true, OutputPath: "/tmp/movie.mkv"}
	}

	result, err := a.Process(context.Background(), media, clustercode.Profile{Name: "h264"})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)

	t.Run("completion is consumed exactly once across nodes", func(t *testing.T) {
		var jobID string
		require.Eventually(t, func() bool {
			handled.mu.Lock()
			defer handled.mu.Unlock()
			if len(handled.events) == 0 {
				return false
			}
			jobID = handled.events[0].JobID
			return true
		}, 10*time.Second, 50*time.Millisecond)

		// give competing consumers time to deliver a duplicate
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, 1, handled.count(jobID))
	})

	t.Run("remote cancellation stops the owner", func(t *testing.T) {
		a.runner.TranscodeFunc = nil
		other := clustercode.Media{SourcePath: "/media/other.mkv"}

		go func() { _, _ = a.Process(context.Background(), other, clustercode.Profile{Name: "h264"}) }()

		require.Eventually(t, func() bool { return c.IsQueuedInCluster(other) }, 10*time.Second, 50*time.Millisecond)

		_, err := b.Process(context.Background(), other, clustercode.Profile{Name: "h264"})
		assert.ErrorIs(t, err, clustercode.ErrAlreadyQueued)

		assert.True(t, c.CancelTask(context.Background(), "node-a"))

		require.Eventually(t, func() bool {
			return len(a.Tasks()) == 0 && len(b.Tasks()) == 0 && len(c.Tasks()) == 0
		}, 10*time.Second, 50*time.Millisecond)
	})
}
