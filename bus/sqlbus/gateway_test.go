package sqlbus

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/logging"
	"github.com/getpup/clustercode/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGateway returns a migrated gateway on a private in-memory SQLite database.
func newTestGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection would otherwise get its own empty database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	cfg.DB = db
	cfg.Dialect = DialectSQLite
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	g, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Migrate(context.Background()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// publish sends event and waits for the result callback.
func publish(t *testing.T, g *Gateway, event clustercode.TaskCompletedEvent) error {
	t.Helper()
	done := make(chan error, 1)
	g.SendTaskCompleted(context.Background(), event, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("publish result was not reported")
		return nil
	}
}

func countRows(t *testing.T, g *Gateway, where string) int {
	t.Helper()
	var n int
	require.NoError(t, g.config.DB.QueryRow("SELECT COUNT(*) FROM "+g.config.Table+" WHERE "+where).Scan(&n))
	return n
}

func TestNew_Validation(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(Config{DB: db, Dialect: "oracle"})
	assert.ErrorIs(t, err, bus.ErrUnsupportedDialect)

	_, err = New(Config{DB: db, Dialect: DialectSQLite, Table: "outbox; DROP TABLE x"})
	assert.Error(t, err)

	_, err = New(Config{Dialect: DialectSQLite})
	assert.Error(t, err)

	g, err := New(Config{DB: db, Dialect: DialectSQLite})
	require.NoError(t, err)
	assert.Equal(t, DefaultTable, g.config.Table)
	assert.Equal(t, bus.DefaultTaskCompletedQueue, g.config.TaskCompletedQueue)
	assert.Equal(t, time.Second, g.config.PollInterval)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	g := newTestGateway(t, Config{})

	assert.NoError(t, g.Migrate(context.Background()))
}

func TestSendTaskAdded_InsertsRow(t *testing.T) {
	collector := metrics.NewCollector("sqlbus-test-added")
	g := newTestGateway(t, Config{Collector: collector})

	done := make(chan error, 1)
	g.SendTaskAdded(context.Background(), clustercode.TaskAddedEvent{JobID: "j1", Node: "node-a"}, func(err error) { done <- err })

	require.NoError(t, <-done)
	assert.Equal(t, 1, countRows(t, g, "queue = 'task-added' AND delivered_at IS NULL"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BusPublishedTotal.WithLabelValues("sqlbus-test-added", "ok")))
}

func TestSend_AfterCloseReportsErrClosed(t *testing.T) {
	g := newTestGateway(t, Config{})
	require.NoError(t, g.Close())

	err := publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"})

	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestClose_WaitsForEveryAcceptedPublish(t *testing.T) {
	g := newTestGateway(t, Config{})
	const senders = 20

	var (
		mu       sync.Mutex
		reported int
		closedN  int
		wg       sync.WaitGroup
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.SendTaskCompleted(context.Background(), clustercode.TaskCompletedEvent{JobID: "j"}, func(err error) {
				mu.Lock()
				defer mu.Unlock()
				reported++
				if errors.Is(err, bus.ErrClosed) {
					closedN++
				}
			})
		}()
	}
	require.NoError(t, g.Close())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, senders, reported, "accepted publishes finish before Close returns, the rest are rejected")
	assert.Equal(t, senders-closedN, countRows(t, g, "1=1"))
}

func TestSend_ReportsDatabaseFailure(t *testing.T) {
	logger := logging.NewRecorder()
	g := newTestGateway(t, Config{Logger: logger, RetryInterval: time.Millisecond, MaxPublishRetries: 2})
	_, err := g.config.DB.Exec("DROP TABLE " + g.config.Table)
	require.NoError(t, err)

	err = publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"})

	assert.Error(t, err)
	assert.Equal(t, 2, logger.Count("warn"), "each retry is logged")
	assert.True(t, logger.Has("error", "bus publish failed"))
}

func TestHandleTaskCompletedEvents_DeliversAndAcknowledges(t *testing.T) {
	g := newTestGateway(t, Config{})
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1", Succeeded: true}))
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j2"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []clustercode.TaskCompletedEvent
	done := make(chan error, 1)
	go func() {
		done <- g.HandleTaskCompletedEvents(ctx, func(_ context.Context, event clustercode.TaskCompletedEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, event)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, "j1", got[0].JobID)
	assert.True(t, got[0].Succeeded)
	assert.Equal(t, "j2", got[1].JobID)
	assert.Equal(t, 0, countRows(t, g, "delivered_at IS NULL"))
}

func TestHandleTaskCompletedEvents_RedeliversAfterHandlerError(t *testing.T) {
	g := newTestGateway(t, Config{})
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = g.HandleTaskCompletedEvents(ctx, func(context.Context, clustercode.TaskCompletedEvent) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return countRows(t, g, "delivered_at IS NOT NULL") == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, countRows(t, g, "attempts = 2"))
}

func TestHandleTaskCompletedEvents_ExpiredLeaseIsRedelivered(t *testing.T) {
	g := newTestGateway(t, Config{LeaseDuration: time.Minute})
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"}))

	// a consumer that died holding the lease
	_, err := g.config.DB.Exec("UPDATE "+g.config.Table+" SET locked_until = ?, attempts = 1", time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, err)

	delivered, err := g.deliverNext(context.Background(), g.config.TaskCompletedQueue, func(context.Context, clustercode.TaskCompletedEvent) error {
		return nil
	})

	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, countRows(t, g, "delivered_at IS NOT NULL AND attempts = 2"))
}

func TestDeliverNext_SkipsLeasedRows(t *testing.T) {
	g := newTestGateway(t, Config{})
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"}))
	_, err := g.config.DB.Exec("UPDATE "+g.config.Table+" SET locked_until = ?", time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, err)

	called := false
	delivered, err := g.deliverNext(context.Background(), g.config.TaskCompletedQueue, func(context.Context, clustercode.TaskCompletedEvent) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, delivered)
	assert.False(t, called)
}

func TestDeliverNext_DiscardsUndecodablePayload(t *testing.T) {
	logger := logging.NewRecorder()
	g := newTestGateway(t, Config{Logger: logger})
	_, err := g.config.DB.Exec("INSERT INTO "+g.config.Table+" (id, queue, payload, created_at) VALUES ('x', 'task-completed', 'not json', 0)")
	require.NoError(t, err)

	delivered, err := g.deliverNext(context.Background(), g.config.TaskCompletedQueue, func(context.Context, clustercode.TaskCompletedEvent) error {
		t.Fatal("handler must not see undecodable events")
		return nil
	})

	require.NoError(t, err)
	assert.True(t, delivered)
	assert.True(t, logger.Has("error", "discarding undecodable bus event"))
	assert.Equal(t, 0, countRows(t, g, "delivered_at IS NULL"))
}

func TestHandleTaskCompletedEvents_ReturnsOnClose(t *testing.T) {
	g := newTestGateway(t, Config{})
	done := make(chan error, 1)
	go func() {
		done <- g.HandleTaskCompletedEvents(context.Background(), func(context.Context, clustercode.TaskCompletedEvent) error {
			return nil
		})
	}()

	require.NoError(t, g.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bus.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on Close")
	}
}

func TestHandleTaskCompletedEvents_RetriesDatabaseErrors(t *testing.T) {
	logger := logging.NewRecorder()
	g := newTestGateway(t, Config{Logger: logger, RetryInterval: time.Millisecond})
	_, err := g.config.DB.Exec("DROP TABLE " + g.config.Table)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.HandleTaskCompletedEvents(ctx, func(context.Context, clustercode.TaskCompletedEvent) error { return nil })
	}()

	require.Eventually(t, func() bool { return logger.Count("warn") >= 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, g.Migrate(context.Background()))
	require.NoError(t, publish(t, g, clustercode.TaskCompletedEvent{JobID: "j1"}))
	require.Eventually(t, func() bool {
		return countRows(t, g, "delivered_at IS NOT NULL") == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", rebind("UPDATE t SET a = ? WHERE b = ?"))
}

func TestSchemaStatements(t *testing.T) {
	for _, dialect := range []string{DialectPostgres, DialectMySQL, DialectSQLite} {
		t.Run(dialect, func(t *testing.T) {
			stmts, err := SchemaStatements(dialect, "cc.outbox")
			require.NoError(t, err)
			require.NotEmpty(t, stmts)
			assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS cc.outbox")
			assert.Contains(t, stmts[len(stmts)-1], "idx_cc_outbox_pending")
		})
	}
}
