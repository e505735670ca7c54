package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openTestDB connects to TEST_POSTGRES_URL and applies migrations, or skips
// the test when no database is configured.
func openTestDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	if err := RunMigrations(url, "../../"+DefaultMigrationsPath); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	db, err := ConnectPostgres(testContext(t), url, 4)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
