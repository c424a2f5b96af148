//go:build integration

package sqlbus

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/getpup/clustercode"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openIntegrationDB opens the database named by envVar and skips the test if it is not set.
func openIntegrationDB(t *testing.T, driver, envVar string) *sql.DB {
	t.Helper()

	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("%s not set, skipping integration test", envVar)
	}

	db, err := sql.Open(driver, dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func runOutboxRoundTrip(t *testing.T, db *sql.DB, dialect string) {
	ctx := context.Background()
	table := "clustercode_bus_outbox_it"

	_, err := db.Exec("DROP TABLE IF EXISTS " + table)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS " + table) })

	g, err := New(Config{DB: db, Dialect: dialect, Table: table, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, g.Migrate(ctx))
	require.NoError(t, g.Migrate(ctx), "migration is idempotent")
	defer g.Close()

	for _, id := range []string{"j1", "j2", "j3"} {
		done := make(chan error, 1)
		g.SendTaskCompleted(ctx, clustercode.TaskCompletedEvent{JobID: id}, func(err error) { done <- err })
		require.NoError(t, <-done)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// two competing consumers must not both acknowledge the same row
	var mu sync.Mutex
	seen := make(map[string]int)
	for i := 0; i < 2; i++ {
		go func() {
			_ = g.HandleTaskCompletedEvents(consumeCtx, func(_ context.Context, event clustercode.TaskCompletedEvent) error {
				mu.Lock()
				defer mu.Unlock()
				seen[event.JobID]++
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 10*time.Second, 20*time.Millisecond)

	var pending int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE delivered_at IS NULL").Scan(&pending))
	assert.Equal(t, 0, pending)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered more than once", id)
	}
}

func TestIntegrationPostgres(t *testing.T) {
	runOutboxRoundTrip(t, openIntegrationDB(t, "postgres", "DATABASE_URL"), DialectPostgres)
}

func TestIntegrationMySQL(t *testing.T) {
	runOutboxRoundTrip(t, openIntegrationDB(t, "mysql", "MYSQL_DSN"), DialectMySQL)
}
