// Package migrations carries the schemas applied by `shop migrate`.
package migrations

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

var (
	//go:embed orders.sql
	ordersSQL string
	//go:embed payments.sql
	paymentsSQL string
	//go:embed clickhouse.sql
	clickhouseSQL string
)

// ForService returns the MySQL schema of "orders" or "payments".
func ForService(name string) (string, error) {
	switch name {
	case "orders":
		return ordersSQL, nil
	case "payments":
		return paymentsSQL, nil
	default:
		return "", fmt.Errorf("no schema for service %q", name)
	}
}

func ClickHouse() string { return clickhouseSQL }

// Statements splits a schema into single statements; neither driver is
// guaranteed to accept several per Exec.
func Statements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Apply runs every statement of schema in order. All statements are
// idempotent (IF NOT EXISTS), so Apply may be re-run.
func Apply(ctx context.Context, db *sqlx.DB, schema string) (int, error) {
	stmts := Statements(schema)
	for i, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}
