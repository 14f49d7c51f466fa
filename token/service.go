package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"tokenvote/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the ledger plus the transfer primitive of the fungible-token base.
type Store interface {
	Ledger
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount uint64) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TransferParams describes a balance move initiated by From.
type TransferParams struct {
	From   string
	To     string
	Amount uint64
}

// Service exposes balance queries and transfers over the token base.
type Service struct {
	pool   TxBeginner
	store  Store
	outbox OutboxWriter
	logger *slog.Logger
}

func NewService(pool TxBeginner, store Store, outbox OutboxWriter) *Service {
	if store == nil {
		store = NewLedger()
	}
	return &Service{
		pool:   pool,
		store:  store,
		outbox: outbox,
		logger: slog.Default(),
	}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Balance returns the current balance of account.
func (s *Service) Balance(ctx context.Context, account string) (uint64, error) {
	if strings.TrimSpace(account) == "" {
		return 0, fmt.Errorf("token: missing account")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("token: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.store.BalanceOf(ctx, tx, account)
}

// Supply returns the aggregate minted amount.
func (s *Service) Supply(ctx context.Context) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("token: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.store.TotalSupply(ctx, tx)
}

// Transfer moves Amount from From to To.
func (s *Service) Transfer(ctx context.Context, params TransferParams) error {
	if params.From == "" || params.To == "" {
		return fmt.Errorf("%w: both accounts are required", ErrInvalidTransfer)
	}
	if params.From == params.To {
		return fmt.Errorf("%w: sender and recipient are the same account", ErrInvalidTransfer)
	}
	if params.Amount == 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Transfer(ctx, tx, params.From, params.To, params.Amount); err != nil {
		return err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"from":   params.From,
			"to":     params.To,
			"amount": params.Amount,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTokensTransferred, payload); err != nil {
			return fmt.Errorf("token: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit tx: %w", err)
	}

	s.logger.Debug("tokens transferred",
		"module", "token",
		"layer", "application",
		"from", params.From,
		"to", params.To,
		"amount", params.Amount,
	)
	return nil
}
