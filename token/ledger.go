package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientBalance signals a transfer larger than the sender's balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInvalidAmount signals a zero or out-of-range amount.
	ErrInvalidAmount = errors.New("token: invalid amount")
	// ErrInvalidTransfer signals a transfer with missing or identical accounts.
	ErrInvalidTransfer = errors.New("token: invalid transfer")
)

// Ledger is the token base the governance core consumes. Every call runs
// inside the caller's transaction so reads and writes commit together.
type Ledger interface {
	BalanceOf(ctx context.Context, tx pgx.Tx, account string) (uint64, error)
	TotalSupply(ctx context.Context, tx pgx.Tx) (uint64, error)
	Mint(ctx context.Context, tx pgx.Tx, account string, amount uint64) error
}

// PGLedger implements Ledger on the balances and token_supply tables.
type PGLedger struct{}

func NewLedger() *PGLedger {
	return &PGLedger{}
}

// BalanceOf returns the current balance of account. Unknown accounts hold zero.
func (l *PGLedger) BalanceOf(ctx context.Context, tx pgx.Tx, account string) (uint64, error) {
	var amount int64
	err := tx.QueryRow(ctx, `SELECT amount FROM balances WHERE account_id = $1`, account).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("token: balance of: %w", err)
	}
	return uint64(amount), nil
}

// TotalSupply returns the aggregate minted amount.
func (l *PGLedger) TotalSupply(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var total int64
	if err := tx.QueryRow(ctx, `SELECT total FROM token_supply WHERE id = 1`).Scan(&total); err != nil {
		return 0, fmt.Errorf("token: total supply: %w", err)
	}
	return uint64(total), nil
}

// Mint credits amount to account and grows the total supply by the same amount.
func (l *PGLedger) Mint(ctx context.Context, tx pgx.Tx, account string, amount uint64) error {
	value, err := toDB(amount)
	if err != nil {
		return err
	}

	const creditSQL = `
		INSERT INTO balances (account_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (account_id)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
	`
	if _, err := tx.Exec(ctx, creditSQL, account, value); err != nil {
		return fmt.Errorf("token: mint credit: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE token_supply SET total = total + $1 WHERE id = 1`, value); err != nil {
		return fmt.Errorf("token: mint supply: %w", err)
	}
	return nil
}

// Transfer moves amount from one account to another. Both balance rows are
// locked in account order so opposing transfers cannot deadlock.
func (l *PGLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount uint64) error {
	value, err := toDB(amount)
	if err != nil {
		return err
	}

	rows, err := tx.Query(ctx, `
		SELECT account_id, amount
		FROM balances
		WHERE account_id = ANY($1)
		ORDER BY account_id
		FOR UPDATE
	`, []string{from, to})
	if err != nil {
		return fmt.Errorf("token: lock balances: %w", err)
	}
	var fromBalance int64
	for rows.Next() {
		var (
			id  string
			amt int64
		)
		if err := rows.Scan(&id, &amt); err != nil {
			rows.Close()
			return fmt.Errorf("token: scan balance: %w", err)
		}
		if id == from {
			fromBalance = amt
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("token: iterate balances: %w", err)
	}

	if fromBalance < value {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `UPDATE balances SET amount = amount - $2, updated_at = now() WHERE account_id = $1`, from, value); err != nil {
		return fmt.Errorf("token: debit: %w", err)
	}

	const creditSQL = `
		INSERT INTO balances (account_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (account_id)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
	`
	if _, err := tx.Exec(ctx, creditSQL, to, value); err != nil {
		return fmt.Errorf("token: credit: %w", err)
	}
	return nil
}

func toDB(amount uint64) (int64, error) {
	if amount == 0 || amount > 1<<62 {
		return 0, ErrInvalidAmount
	}
	return int64(amount), nil
}
