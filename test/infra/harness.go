package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns an isolated, migrated schema on a live PostgreSQL.
type Harness struct {
	pool     *pgxpool.Pool
	teardown Teardown
}

// mutableTables are emptied by Reset, children first.
var mutableTables = []string{
	"issue_voters",
	"issues",
	"claims",
	"balances",
	"outbox",
	"accounts",
}

// Open skips t unless DATABASE_URL points at a live PostgreSQL, then applies
// the schema into a fresh schema that is dropped when the test ends.
func Open(t *testing.T) *Harness {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, teardown, err := Migrated(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	h := &Harness{pool: pool, teardown: teardown}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
		h.pool = nil
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
		h.teardown = nil
	}
}

// Reset truncates mutable tables and zeroes the singleton rows.
func (h *Harness) Reset(ctx context.Context) error {
	return Reset(ctx, h.pool)
}

// Reset empties every mutable table of the schema pool points at.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range mutableTables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE token_supply SET total = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("reset supply: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE issue_counter SET last_id = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
