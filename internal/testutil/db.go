package testutil

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/migrations"
	"github.com/livinlefevreloca/catalogindex/tools/migrator"
)

// NewTestDB creates an in-memory SQLite database with every migration applied
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := migrator.RunMigrations(database.DB, migrations.FS); err != nil {
		database.Close()
		t.Fatalf("failed to initialize test schema: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// CountRows returns the number of rows in table
func CountRows(t *testing.T, database *db.DB, table string) int {
	t.Helper()

	var n int
	if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}
