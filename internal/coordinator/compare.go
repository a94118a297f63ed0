package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Table is a query result normalised for comparison: every value rendered
// as text, rows ordered by the key column.
type Table struct {
	Columns []string
	Rows    [][]string
}

// FetchTable runs query on db and orders the rows by the key column.
func FetchTable(ctx context.Context, db *sql.DB, query, key string) (Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return Table{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Table{}, fmt.Errorf("failed to read columns: %w", err)
	}
	keyIdx := -1
	for i, c := range cols {
		if strings.EqualFold(c, key) {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return Table{}, fmt.Errorf("key column %q not in result columns %v", key, cols)
	}

	t := Table{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Table{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = render(v)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Table{}, fmt.Errorf("failed to read rows: %w", err)
	}

	sort.SliceStable(t.Rows, func(i, j int) bool {
		return lessKey(t.Rows[i][keyIdx], t.Rows[j][keyIdx])
	})
	return t, nil
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// lessKey orders numeric keys numerically and anything else as text.
func lessKey(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DiffTables returns a human-readable diff, empty when the tables are equal.
func DiffTables(lhs, rhs Table) string {
	return cmp.Diff(lhs, rhs)
}

// CompareDatabases runs query on both databases and diffs the results.
func CompareDatabases(ctx context.Context, lhs, rhs *sql.DB, query, key string) (string, error) {
	left, err := FetchTable(ctx, lhs, query, key)
	if err != nil {
		return "", fmt.Errorf("left side: %w", err)
	}
	right, err := FetchTable(ctx, rhs, query, key)
	if err != nil {
		return "", fmt.Errorf("right side: %w", err)
	}
	return DiffTables(left, right), nil
}
