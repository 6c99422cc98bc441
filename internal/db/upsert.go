package db

import (
	"context"
	"fmt"
	"strings"
)

// maxBindParams keeps a single statement under the bind parameter limit of
// both SQLite (32766) and Postgres (65535).
const maxBindParams = 32000

// UpsertSpec describes a set-based insert-or-update against one table.
type UpsertSpec struct {
	Table           string
	Columns         []string
	ConflictColumns []string

	// UpdateColumns are overwritten with the incoming row on conflict.
	// Nil means every column that is not a conflict column.
	UpdateColumns []string
}

// updateColumns resolves the overwrite set
func (s UpsertSpec) updateColumns() []string {
	if s.UpdateColumns != nil {
		return s.UpdateColumns
	}

	conflict := make(map[string]bool, len(s.ConflictColumns))
	for _, c := range s.ConflictColumns {
		conflict[c] = true
	}

	cols := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !conflict[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// ChunkRows returns the effective rows per statement for a column count.
func ChunkRows(chunkSize, columns int) int {
	limit := maxBindParams / columns
	if chunkSize <= 0 || chunkSize > limit {
		return limit
	}
	return chunkSize
}

// Upsert writes rows with one INSERT ... ON CONFLICT DO UPDATE statement per
// chunk and returns the number of rows sent. Each row must follow
// spec.Columns order. The caller owns the transaction; a failed chunk leaves
// earlier chunks to be rolled back by it.
func Upsert(ctx context.Context, q Querier, spec UpsertSpec, rows [][]any, chunkSize int) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(spec.Columns) == 0 || len(spec.ConflictColumns) == 0 {
		return 0, fmt.Errorf("upsert %s: columns and conflict columns are required", spec.Table)
	}

	size := ChunkRows(chunkSize, len(spec.Columns))
	total := 0
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args, err := buildUpsert(spec, chunk)
		if err != nil {
			return total, err
		}

		if _, err := q.ExecContext(ctx, Rebind(q.Driver(), query), args...); err != nil {
			return total, fmt.Errorf("upsert %s (%d rows): %w", spec.Table, len(chunk), err)
		}
		total += len(chunk)
	}

	return total, nil
}

// InsertIgnore inserts one row unless it collides with conflictColumns.
// It reports whether a row was written.
func InsertIgnore(ctx context.Context, q Querier, table string, columns, conflictColumns []string, values []any) (bool, error) {
	if len(columns) != len(values) {
		return false, fmt.Errorf("insert %s: %d columns, %d values", table, len(columns), len(values))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table,
		strings.Join(columns, ", "),
		placeholders(len(columns)),
		strings.Join(conflictColumns, ", "),
	)

	result, err := q.ExecContext(ctx, Rebind(q.Driver(), query), values...)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func buildUpsert(spec UpsertSpec, rows [][]any) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", spec.Table, strings.Join(spec.Columns, ", "))

	row := "(" + placeholders(len(spec.Columns)) + ")"
	args := make([]any, 0, len(rows)*len(spec.Columns))
	for i, r := range rows {
		if len(r) != len(spec.Columns) {
			return "", nil, fmt.Errorf("upsert %s: row %d has %d values, want %d", spec.Table, i, len(r), len(spec.Columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		args = append(args, r...)
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", strings.Join(spec.ConflictColumns, ", "))

	update := spec.updateColumns()
	if len(update) == 0 {
		b.WriteString("DO NOTHING")
		return b.String(), args, nil
	}

	b.WriteString("DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", c, c)
	}

	return b.String(), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
