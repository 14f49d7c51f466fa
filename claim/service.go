package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"tokenvote/metrics"
	"tokenvote/outbox"
	"tokenvote/token"
)

var (
	// ErrAlreadyClaimed signals the caller has received its allotment before.
	ErrAlreadyClaimed = errors.New("claim: already claimed")
	// ErrSupplyExhausted signals the supply cap has been reached.
	ErrSupplyExhausted = errors.New("claim: supply exhausted")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the claim ledger: one allotment per account, never past the cap.
type Service struct {
	pool    TxBeginner
	repo    Repository
	ledger  token.Ledger
	outbox  OutboxWriter
	metrics *metrics.Governance
	logger  *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, ledger token.Ledger, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if ledger == nil {
		ledger = token.NewLedger()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		ledger: ledger,
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

func (s *Service) WithMetrics(m *metrics.Governance) *Service {
	s.metrics = m
	return s
}

// Claim mints Allotment to caller. The claim is recorded before the mint is
// requested and both commit together.
func (s *Service) Claim(ctx context.Context, caller string) (Record, error) {
	if strings.TrimSpace(caller) == "" {
		return Record{}, fmt.Errorf("claim: missing caller")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Lock(ctx, tx); err != nil {
		return Record{}, err
	}

	claimed, err := s.repo.HasClaimed(ctx, tx, caller)
	if err != nil {
		return Record{}, err
	}
	if claimed {
		s.reject(caller, "already_claimed")
		return Record{}, ErrAlreadyClaimed
	}

	supply, err := s.ledger.TotalSupply(ctx, tx)
	if err != nil {
		return Record{}, err
	}
	if supply >= SupplyCap {
		s.reject(caller, "supply_exhausted")
		return Record{}, ErrSupplyExhausted
	}

	rec, err := s.repo.Insert(ctx, tx, caller, Allotment)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			s.reject(caller, "already_claimed")
		}
		return Record{}, err
	}

	if err := s.ledger.Mint(ctx, tx, caller, Allotment); err != nil {
		return Record{}, fmt.Errorf("claim: mint: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"account_id": caller,
			"amount":     Allotment,
			"supply":     supply + Allotment,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicTokensClaimed, payload); err != nil {
			return Record{}, fmt.Errorf("claim: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit tx: %w", err)
	}

	s.metrics.ClaimMinted(Allotment)
	s.logger.Info("tokens claimed",
		"module", "claim",
		"layer", "application",
		"account_id", caller,
		"amount", Allotment,
		"supply", supply+Allotment,
	)
	return rec, nil
}

// HasClaimed reports whether account has claimed its allotment.
func (s *Service) HasClaimed(ctx context.Context, account string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.HasClaimed(ctx, tx, account)
}

func (s *Service) reject(caller, reason string) {
	s.metrics.Rejected("claim", reason)
	s.logger.Debug("claim rejected",
		"module", "claim",
		"layer", "application",
		"account_id", caller,
		"reason", reason,
	)
}
