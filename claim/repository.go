package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ledgerLockKey identifies the advisory lock that serialises claims.
const ledgerLockKey int64 = 0x746f6b656e636c61

// Repository persists the claim registry.
type Repository interface {
	Lock(ctx context.Context, tx pgx.Tx) error
	HasClaimed(ctx context.Context, tx pgx.Tx, account string) (bool, error)
	Insert(ctx context.Context, tx pgx.Tx, account string, amount uint64) (Record, error)
}

// PGRepository implements Repository on the claims table.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// Lock takes the transaction-scoped claim ledger lock. It is released on
// commit or rollback.
func (r *PGRepository) Lock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("claim: acquire ledger lock: %w", err)
	}
	return nil
}

func (r *PGRepository) HasClaimed(ctx context.Context, tx pgx.Tx, account string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE account_id = $1)`, account).Scan(&exists); err != nil {
		return false, fmt.Errorf("claim: check claimed: %w", err)
	}
	return exists, nil
}

// Insert records the claim. A duplicate account maps to ErrAlreadyClaimed.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, account string, amount uint64) (Record, error) {
	const insertSQL = `
		INSERT INTO claims (account_id, amount)
		VALUES ($1, $2)
		RETURNING account_id, amount, claimed_at
	`

	var (
		rec Record
		amt int64
	)
	err := tx.QueryRow(ctx, insertSQL, account, int64(amount)).Scan(&rec.AccountID, &amt, &rec.ClaimedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyClaimed
		}
		return Record{}, fmt.Errorf("claim: insert: %w", err)
	}
	rec.Amount = uint64(amt)
	return rec, nil
}
