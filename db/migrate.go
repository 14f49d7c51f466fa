package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tokenvote/migrations"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migrate applies every embedded migration in a single transaction. The
// schema files are idempotent so running it on an up-to-date database is a
// no-op.
func Migrate(ctx context.Context, pool TxBeginner) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: migrate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range migrations.Files() {
		sql, err := migrations.Read(name)
		if err != nil {
			return fmt.Errorf("db: read migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("db: apply migration %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: migrate commit: %w", err)
	}
	return nil
}
