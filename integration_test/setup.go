//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/getpup/clustercode/bus/sqlbus"
	"github.com/getpup/clustercode/pkg/clustercode"
	_ "github.com/lib/pq"
)

// testTable is the outbox table used by the integration tests.
const testTable = "clustercode_it_outbox"

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// setupTables creates the outbox table.
func setupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if err := clustercode.RunMigrations(context.Background(), db, sqlbus.DialectPostgres, testTable); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
}

// cleanupTables truncates the outbox table.
// Errors are logged but don't fail the test (cleanup is best-effort).
func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if _, err := db.Exec("TRUNCATE " + testTable); err != nil {
		t.Logf("warning: failed to truncate outbox table: %v", err)
	}
}

// teardownTables drops the outbox table.
// Errors are logged but don't fail the test.
func teardownTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if _, err := db.Exec("DROP TABLE IF EXISTS " + testTable); err != nil {
		t.Logf("warning: failed to drop tables: %v", err)
	}
}
