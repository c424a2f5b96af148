package clustercode

import (
	"context"
	"database/sql"
	"testing"

	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/transcode"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_Defaults(t *testing.T) {
	n, err := New(WithHostname("node-a"), WithMetricsEnabled(false))

	require.NoError(t, err)
	assert.Equal(t, "node-a", n.Hostname())
	assert.Empty(t, n.Tasks())
}

func TestNew_WithCustomRunnerAndGateway(t *testing.T) {
	runner := transcode.NewMockRunner()
	gateway := bus.NewMockGateway()

	n, err := New(
		WithHostname("node-a"),
		WithGroupName("test"),
		WithBindAddress("127.0.0.1"),
		WithSeeds("127.0.0.1:7946"),
		WithRunner(runner),
		WithGateway(gateway),
		WithMetricsEnabled(false),
	)

	require.NoError(t, err)
	assert.NotNil(t, n)
}

func TestNew_WithDatabase(t *testing.T) {
	db := openSQLite(t)

	n, err := New(WithHostname("node-a"), WithDatabase(db, "sqlite3"), WithTableName("jobs_outbox"), WithMetricsEnabled(false))

	require.NoError(t, err)
	assert.NotNil(t, n)
}

func TestNew_WithDatabaseUnsupportedDialect(t *testing.T) {
	db := openSQLite(t)

	n, err := New(WithDatabase(db, "oracle"))

	assert.Error(t, err)
	assert.Nil(t, n)
	assert.Contains(t, err.Error(), "failed to create bus gateway")
}

func TestRunMigrations(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, RunMigrations(context.Background(), db, "sqlite3", ""))
	require.NoError(t, RunMigrations(context.Background(), db, "sqlite3", ""), "migrations are idempotent")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM clustercode_bus_outbox").Scan(&count))
	assert.Equal(t, 0, count)
}
