package migrator

import (
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/catalogindex/migrations"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// Every pooled connection would get its own empty in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

// sampleFS is a small valid migration set: a dependency, a notransaction
// migration and a multi-statement file
func sampleFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_runs.sql": file(`-- +migrate Up
CREATE TABLE runs (id TEXT PRIMARY KEY);`),
		"002_create_pages.sql": file(`-- +migrate Up
-- +migrate Depends: 1
-- Pages belong to runs.
CREATE TABLE pages (
    run_id TEXT NOT NULL REFERENCES runs(id),
    cursor TEXT NOT NULL
);`),
		"003_index_pages.sql": file(`-- +migrate Up notransaction
CREATE INDEX idx_pages_run ON pages (run_id);`),
		"004_seed.sql": file(`-- +migrate Up
-- +migrate Depends: 1 2
INSERT INTO runs (id) VALUES ('r1');
INSERT INTO pages (run_id, cursor) VALUES ('r1', '');`),
		"README.md": file("not a migration"),
	}
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()

	var name string
	query := "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
	err := db.QueryRow(query, tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func getVersion(t *testing.T, db *sql.DB) int {
	t.Helper()

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	return version
}

func assertTablesExist(t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		wantName  string
		wantNoTx  bool
		wantDeps  []int
		wantStart string
	}{
		{"plain", "001_create_runs.sql", "create_runs", false, nil, "CREATE TABLE runs"},
		{"dependency and comment", "002_create_pages.sql", "create_pages", false, []int{1}, "CREATE TABLE pages"},
		{"notransaction", "003_index_pages.sql", "index_pages", true, nil, "CREATE INDEX"},
		{"multiple dependencies", "004_seed.sql", "seed", false, []int{1, 2}, "INSERT INTO runs"},
	}

	fsys := sampleFS()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMigrationFile(fsys, tt.file)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if m.Name != tt.wantName {
				t.Errorf("expected name %q, got %q", tt.wantName, m.Name)
			}
			if m.NoTransaction != tt.wantNoTx {
				t.Errorf("expected NoTransaction %v, got %v", tt.wantNoTx, m.NoTransaction)
			}
			if len(m.Dependencies) != len(tt.wantDeps) {
				t.Fatalf("expected dependencies %v, got %v", tt.wantDeps, m.Dependencies)
			}
			for i := range tt.wantDeps {
				if m.Dependencies[i] != tt.wantDeps[i] {
					t.Errorf("expected dependencies %v, got %v", tt.wantDeps, m.Dependencies)
				}
			}
			if !strings.HasPrefix(m.UpSQL, tt.wantStart) {
				t.Errorf("expected SQL to start with %q, got %q", tt.wantStart, m.UpSQL)
			}
		})
	}
}

func TestParseMigrationFile_Errors(t *testing.T) {
	fsys := fstest.MapFS{
		"create_runs.sql":   file("-- +migrate Up\nSELECT 1;"),
		"001_no_marker.sql": file("CREATE TABLE x (id INTEGER);"),
		"001_empty.sql":     file("-- +migrate Up\n\n   \n"),
		"001_bad_dep.sql":   file("-- +migrate Up\n-- +migrate Depends: one\nSELECT 1;"),
	}

	tests := []struct {
		name    string
		file    string
		wantErr string
	}{
		{"invalid filename", "create_runs.sql", "invalid migration filename"},
		{"missing up marker", "001_no_marker.sql", "missing '-- +migrate Up' marker"},
		{"empty sql", "001_empty.sql", "contains no SQL"},
		{"invalid dependency", "001_bad_dep.sql", "invalid dependency version"},
		{"file not found", "001_missing.sql", "failed to read migration file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigrationFile(fsys, tt.file)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations(t *testing.T) {
	loaded, err := LoadMigrations(sampleFS())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(loaded) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(loaded))
	}
	for i, m := range loaded {
		if m.Version != i+1 {
			t.Errorf("expected version %d at position %d, got %d", i+1, i, m.Version)
		}
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	loaded, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no migrations, got %d", len(loaded))
	}
}

func TestLoadMigrations_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name: "gap",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"003_c.sql": file("-- +migrate Up\nSELECT 3;"),
			},
			wantErr: "gap in migration versions",
		},
		{
			name: "duplicate",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"001_b.sql": file("-- +migrate Up\nSELECT 2;"),
			},
			wantErr: "duplicate migration version",
		},
		{
			name: "missing dependency",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 7\nSELECT 1;"),
			},
			wantErr: "non-existent version 7",
		},
		{
			name: "circular",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 2\nSELECT 1;"),
				"002_b.sql": file("-- +migrate Up\n-- +migrate Depends: 1\nSELECT 2;"),
			},
			wantErr: "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fsys)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, sampleFS()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if version := getVersion(t, db); version != 4 {
		t.Errorf("expected version 4, got %d", version)
	}
	assertTablesExist(t, db, "schema_migrations", "runs", "pages")

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM pages").Scan(&count); err != nil || count != 1 {
		t.Errorf("expected seeded page, got %d (%v)", count, err)
	}
}

func TestRunMigrations_PartiallyMigrated(t *testing.T) {
	db := setupTestDB(t)
	fsys := sampleFS()

	partial := fstest.MapFS{"001_create_runs.sql": fsys["001_create_runs.sql"]}
	if err := RunMigrations(db, partial); err != nil {
		t.Fatalf("unexpected error on partial run: %v", err)
	}
	if version := getVersion(t, db); version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	if err := RunMigrations(db, fsys); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("failed to get applied migrations: %v", err)
	}
	if len(applied) != 4 {
		t.Errorf("expected 4 applied migrations, got %v", applied)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := RunMigrations(db, sampleFS()); err != nil {
			t.Fatalf("run %d: unexpected error: %v", i+1, err)
		}
	}

	if version := getVersion(t, db); version != 4 {
		t.Errorf("expected version 4, got %d", version)
	}
}

func TestRunMigrations_FailedMigration(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"001_good.sql": file("-- +migrate Up\nCREATE TABLE a (id INTEGER);"),
		"002_bad.sql":  file("-- +migrate Up\nCREATE TABLE b (id INTEGER);\nINVALID SQL HERE;"),
		"003_good.sql": file("-- +migrate Up\nCREATE TABLE c (id INTEGER);"),
	}

	if err := RunMigrations(db, fsys); err == nil {
		t.Fatal("expected error for failed migration")
	}

	// Migration 1 applied, 2 rolled back, 3 never attempted
	if version := getVersion(t, db); version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if tableExists(t, db, "b") {
		t.Error("expected migration 2 to be rolled back")
	}
	if tableExists(t, db, "c") {
		t.Error("expected migration 3 not to run")
	}
}

func TestRunMigrations_CannotGoBackwards(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.Exec("CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)"); err != nil {
		t.Fatalf("failed to create schema_migrations: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (2)"); err != nil {
		t.Fatalf("failed to insert version: %v", err)
	}

	fsys := fstest.MapFS{
		"001_a.sql": file("-- +migrate Up\nCREATE TABLE a (id INTEGER);"),
		"002_b.sql": file("-- +migrate Up\nCREATE TABLE b (id INTEGER);"),
	}

	err := RunMigrations(db, fsys)
	if err == nil || !strings.Contains(err.Error(), "cannot apply migration 1") {
		t.Errorf("expected ordering error, got %v", err)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if version := getVersion(t, db); version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil || len(applied) != 0 {
		t.Errorf("expected no applied migrations, got %v (%v)", applied, err)
	}
}

// =============================================================================
// Schema Tests
// =============================================================================

func TestEmbeddedSchema(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, migrations.FS); err != nil {
		t.Fatalf("failed to apply embedded schema: %v", err)
	}

	assertTablesExist(t, db, "run_ledger", "raw_pages", "titles_index", "offers_index", "assets_index")

	loaded, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("failed to load embedded schema: %v", err)
	}
	if version := getVersion(t, db); version != len(loaded) {
		t.Errorf("expected version %d, got %d", len(loaded), version)
	}
}

func TestSource(t *testing.T) {
	if _, ok := Source("").(embed.FS); !ok {
		t.Error("expected embedded schema when no directory is configured")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_extra.sql"), []byte("-- +migrate Up\nCREATE TABLE extra (id INTEGER);"), 0644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	loaded, err := LoadMigrations(Source(dir))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "extra" {
		t.Errorf("expected migration from directory, got %+v", loaded)
	}
}
