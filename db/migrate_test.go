package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tokenvote/migrations"
)

// recordingTx implements the subset of pgx.Tx that Migrate uses.
type recordingTx struct {
	pgx.Tx
	execs     []string
	execErr   error
	committed bool
	rolled    bool
}

func (r *recordingTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.execErr != nil {
		return pgconn.CommandTag{}, r.execErr
	}
	r.execs = append(r.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (r *recordingTx) Commit(context.Context) error {
	r.committed = true
	return nil
}

func (r *recordingTx) Rollback(context.Context) error {
	if !r.committed {
		r.rolled = true
	}
	return nil
}

type recordingPool struct {
	tx *recordingTx
}

func (p *recordingPool) Begin(context.Context) (pgx.Tx, error) {
	return p.tx, nil
}

func TestMigrateAppliesEveryFileInOneTx(t *testing.T) {
	tx := &recordingTx{}
	if err := Migrate(context.Background(), &recordingPool{tx: tx}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(tx.execs) != len(migrations.Files()) {
		t.Fatalf("expected %d statements, got %d", len(migrations.Files()), len(tx.execs))
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	tx := &recordingTx{execErr: errors.New("syntax error")}
	if err := Migrate(context.Background(), &recordingPool{tx: tx}); err == nil {
		t.Fatal("expected error")
	}
	if tx.committed || !tx.rolled {
		t.Fatal("expected rollback without commit")
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
