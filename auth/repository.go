package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateHandle signals that the handle is already registered.
	ErrDuplicateHandle = errors.New("auth: handle already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (Account, error)
	GetAccountByID(ctx context.Context, accountID string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Handle       string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id::text, handle, password_hash, created_at, updated_at`

// CreateAccount inserts a new account with hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	insertSQL := `
		INSERT INTO accounts (handle, password_hash)
		VALUES ($1, $2)
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Handle, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateHandle
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return account, nil
}

// GetAccountByHandle retrieves an account by its handle.
func (r *PGRepository) GetAccountByHandle(ctx context.Context, handle string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE handle = $1`, handle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by handle: %w", err)
	}

	return account, nil
}

// GetAccountByID retrieves an account by ID. An ID that is not a UUID cannot
// name an account and reports ErrAccountNotFound.
func (r *PGRepository) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return Account{}, ErrAccountNotFound
	}
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}

	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID,
		&account.Handle,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
