package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Test Fixtures and Helpers

// NewTestDB creates an in-memory SQLite database with a small keyed table
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	schema := `
		CREATE TABLE items (
			k1 TEXT NOT NULL,
			k2 TEXT NOT NULL,
			v1 TEXT,
			v2 INTEGER,
			PRIMARY KEY (k1, k2)
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to initialize test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var itemsSpec = UpsertSpec{
	Table:           "items",
	Columns:         []string{"k1", "k2", "v1", "v2"},
	ConflictColumns: []string{"k1", "k2"},
}

func countItems(t *testing.T, db *DB) int {
	t.Helper()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

// Connection Tests

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{
			name:   "sqlite in-memory",
			driver: "sqlite3",
			dsn:    ":memory:",
		},
		{
			name:    "invalid driver",
			driver:  "invalid",
			dsn:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.driver, tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer db.Close()

			if db.Driver() != tt.driver {
				t.Errorf("driver = %q, want %q", db.Driver(), tt.driver)
			}
		})
	}
}

func TestOpenWithConfig_SQLitePinsOneConnection(t *testing.T) {
	config := Config{
		Driver:          "sqlite3",
		DSN:             ":memory:",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}

	db, err := OpenWithConfig(config)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

func TestOpen_ForeignKeysEnabled(t *testing.T) {
	db := NewTestDB(t)

	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("pragma query failed: %v", err)
	}
	if enabled != 1 {
		t.Errorf("foreign_keys = %d, want 1", enabled)
	}
}

// Transaction Tests

func TestWithTransaction_Success(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (k1, k2, v1) VALUES ('a', 'b', 'x')")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if n := countItems(t, db); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestWithTransaction_Rollback(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (k1, k2, v1) VALUES ('a', 'b', 'x')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if n := countItems(t, db); n != 0 {
		t.Errorf("count = %d after rollback, want 0", n)
	}
}

func TestWithTransaction_PanicRollsBack(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		db.WithTransaction(ctx, func(tx *Tx) error {
			tx.ExecContext(ctx, "INSERT INTO items (k1, k2, v1) VALUES ('a', 'b', 'x')")
			panic("crash mid-transaction")
		})
	}()

	if n := countItems(t, db); n != 0 {
		t.Errorf("count = %d after panic, want 0", n)
	}
}

func TestTxDriver(t *testing.T) {
	db := NewTestDB(t)

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	if tx.Driver() != "sqlite3" {
		t.Errorf("tx driver = %q, want sqlite3", tx.Driver())
	}
}

// Placeholder Tests

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{"sqlite3", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"sqlite", "VALUES (?)", "VALUES (?)"},
		{"postgres", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"pgx", "VALUES (?, ?), (?, ?)", "VALUES ($1, $2), ($3, $4)"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			if got := Rebind(tt.driver, tt.query); got != tt.want {
				t.Errorf("Rebind = %q, want %q", got, tt.want)
			}
		})
	}
}

// Upsert Tests

func TestUpsert_InsertAndOverwrite(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	n, err := Upsert(ctx, db, itemsSpec, [][]any{
		{"a", "1", "first", 1},
		{"a", "2", "first", 2},
	}, 100)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}

	if _, err := Upsert(ctx, db, itemsSpec, [][]any{{"a", "1", "second", 10}}, 100); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if c := countItems(t, db); c != 2 {
		t.Errorf("count = %d, want 2", c)
	}

	var v1 string
	var v2 int
	if err := db.QueryRow("SELECT v1, v2 FROM items WHERE k1 = 'a' AND k2 = '1'").Scan(&v1, &v2); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if v1 != "second" || v2 != 10 {
		t.Errorf("row = (%q, %d), want (second, 10)", v1, v2)
	}
}

func TestUpsert_ExplicitUpdateColumns(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	spec := itemsSpec
	spec.UpdateColumns = []string{"v2"}

	Upsert(ctx, db, spec, [][]any{{"a", "1", "keep", 1}}, 0)
	if _, err := Upsert(ctx, db, spec, [][]any{{"a", "1", "ignored", 2}}, 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	var v1 string
	var v2 int
	db.QueryRow("SELECT v1, v2 FROM items").Scan(&v1, &v2)
	if v1 != "keep" || v2 != 2 {
		t.Errorf("row = (%q, %d), want (keep, 2)", v1, v2)
	}
}

func TestUpsert_Chunked(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	rows := make([][]any, 25)
	for i := range rows {
		rows[i] = []any{"a", fmt.Sprintf("%03d", i), "v", i}
	}

	n, err := Upsert(ctx, db, itemsSpec, rows, 10)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if n != 25 {
		t.Errorf("n = %d, want 25", n)
	}
	if c := countItems(t, db); c != 25 {
		t.Errorf("count = %d, want 25", c)
	}
}

func TestUpsert_RowWidthMismatch(t *testing.T) {
	db := NewTestDB(t)

	_, err := Upsert(context.Background(), db, itemsSpec, [][]any{{"a", "1"}}, 10)
	if err == nil || !strings.Contains(err.Error(), "row 0") {
		t.Errorf("expected row width error, got %v", err)
	}
}

func TestChunkRows(t *testing.T) {
	if got := ChunkRows(1000, 15); got != 1000 {
		t.Errorf("ChunkRows(1000, 15) = %d, want 1000", got)
	}
	if got := ChunkRows(0, 16); got != maxBindParams/16 {
		t.Errorf("ChunkRows(0, 16) = %d, want %d", got, maxBindParams/16)
	}
	if got := ChunkRows(10000, 16); got != maxBindParams/16 {
		t.Errorf("ChunkRows(10000, 16) = %d, want %d", got, maxBindParams/16)
	}
}

func TestInsertIgnore(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	cols := []string{"k1", "k2", "v1"}
	keys := []string{"k1", "k2"}

	inserted, err := InsertIgnore(ctx, db, "items", cols, keys, []any{"a", "", "first"})
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if !inserted {
		t.Error("expected first insert to write a row")
	}

	inserted, err = InsertIgnore(ctx, db, "items", cols, keys, []any{"a", "", "second"})
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if inserted {
		t.Error("expected second insert to be a no-op")
	}

	var v1 string
	db.QueryRow("SELECT v1 FROM items").Scan(&v1)
	if v1 != "first" {
		t.Errorf("v1 = %q, want first (never overwritten)", v1)
	}
}

// Error Classification Tests

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Error("IsNotFound(ErrNotFound) = false")
	}
	if !IsNotFound(fmt.Errorf("wrapped: %w", ErrNotFound)) {
		t.Error("IsNotFound(wrapped) = false")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("IsNotFound(other) = true")
	}
}

func TestIsDuplicate(t *testing.T) {
	db := NewTestDB(t)

	db.Exec("INSERT INTO items (k1, k2) VALUES ('a', 'b')")
	_, err := db.Exec("INSERT INTO items (k1, k2) VALUES ('a', 'b')")
	if err == nil {
		t.Fatal("expected duplicate error, got nil")
	}

	if !IsDuplicate(err) {
		t.Errorf("IsDuplicate(%v) = false", err)
	}
	if !IsDuplicate(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsDuplicate(wrapped) = false")
	}
	if !IsDuplicate(errors.New(`ERROR: duplicate key value violates unique constraint "x" (SQLSTATE 23505)`)) {
		t.Error("IsDuplicate(message) = false")
	}
	if IsDuplicate(nil) {
		t.Error("IsDuplicate(nil) = true")
	}
	if IsDuplicate(errors.New("connection refused")) {
		t.Error("IsDuplicate(other) = true")
	}
}

func TestIsForeignKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite message", errors.New("FOREIGN KEY constraint failed"), true},
		{"postgres message", errors.New(`insert or update on table "offers_index" violates foreign key constraint "offers_index_sapi_id_fkey"`), true},
		{"pgx foreign key", &pgconn.PgError{Code: "23503"}, true},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, false},
		{"pq foreign key", fmt.Errorf("persist: %w", &pq.Error{Code: "23503"}), true},
		{"unrelated", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsForeignKey(tt.err); got != tt.want {
				t.Errorf("IsForeignKey(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
