//go:build integration

package integration_test

import (
	"testing"
)

// TestSetupHelpers validates that the integration test helper functions work correctly.
// This test requires a PostgreSQL database to be available via DATABASE_URL.
func TestSetupHelpers(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTables(t, db)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + testTable).Scan(&count); err != nil {
		t.Fatalf("failed to query outbox table: %v", err)
	}

	if _, err := db.Exec("INSERT INTO "+testTable+" (id, queue, payload, created_at) VALUES ($1, $2, $3, $4)", "row-1", "task-completed", "{}", 1); err != nil {
		t.Fatalf("failed to insert row: %v", err)
	}

	cleanupTables(t, db)

	if err := db.QueryRow("SELECT COUNT(*) FROM " + testTable).Scan(&count); err != nil {
		t.Fatalf("failed to query outbox table after cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows in outbox table after cleanup, got %d", count)
	}

	teardownTables(t, db)

	// the table no longer exists
	if err := db.QueryRow("SELECT COUNT(*) FROM " + testTable).Scan(&count); err == nil {
		t.Error("expected error querying dropped outbox table, but got none")
	}
}
