package issue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tokenvote/metrics"
	"tokenvote/outbox"
	"tokenvote/token"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the issue store. Each mutating call runs in one transaction and
// either fully applies or leaves no trace.
type Service struct {
	pool    TxBeginner
	repo    Repository
	ledger  token.Ledger
	outbox  OutboxWriter
	metrics *metrics.Governance
	logger  *slog.Logger
	now     func() time.Time
}

// CreateParams describes a new issue proposed by Caller.
type CreateParams struct {
	Caller      string
	Description string
	Quorum      uint64
}

// VoteParams describes one vote by Caller.
type VoteParams struct {
	Caller  string
	IssueID uint64
	Choice  Choice
}

// VoteResult reports the issue state right after the vote was applied.
type VoteResult struct {
	Issue       Issue
	Weight      uint64
	ClosedNow   bool
	VoterNumber int
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
		now:    time.Now,
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create appends a new issue and returns its identifier. A caller without
// weight is rejected before the quorum is looked at.
func (s *Service) Create(ctx context.Context, params CreateParams) (uint64, error) {
	if strings.TrimSpace(params.Caller) == "" {
		return 0, fmt.Errorf("issue: missing caller")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("issue: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	weight, err := s.ledger.BalanceOf(ctx, tx, params.Caller)
	if err != nil {
		return 0, err
	}
	if weight == 0 {
		s.reject("create", "no_weight", params.Caller, 0)
		return 0, ErrNoWeight
	}

	supply, err := s.ledger.TotalSupply(ctx, tx)
	if err != nil {
		return 0, err
	}
	if params.Quorum > supply {
		s.reject("create", "quorum_too_high", params.Caller, 0)
		return 0, &QuorumTooHighError{Quorum: params.Quorum, Supply: supply}
	}

	created, err := s.repo.Create(ctx, tx, Issue{
		Description: params.Description,
		Quorum:      params.Quorum,
		CreatorID:   params.Caller,
	})
	if err != nil {
		return 0, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"issue_id":   created.ID,
			"quorum":     created.Quorum,
			"creator_id": created.CreatorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicIssueCreated, payload); err != nil {
			return 0, fmt.Errorf("issue: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("issue: commit tx: %w", err)
	}

	s.metrics.IssueCreated()
	s.logger.Info("issue created",
		"module", "issue",
		"layer", "application",
		"issue_id", created.ID,
		"quorum", created.Quorum,
		"creator_id", created.CreatorID,
	)
	return created.ID, nil
}

// Vote casts the caller's live balance on an issue. Checks run in order:
// bounds, closed, duplicate voter, weight.
func (s *Service) Vote(ctx context.Context, params VoteParams) (VoteResult, error) {
	if strings.TrimSpace(params.Caller) == "" {
		return VoteResult{}, fmt.Errorf("issue: missing caller")
	}
	if !params.Choice.Valid() {
		return VoteResult{}, ErrInvalidChoice
	}
	if params.IssueID == 0 {
		return VoteResult{}, outOfRange(params.IssueID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return VoteResult{}, fmt.Errorf("issue: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	is, err := s.repo.GetForUpdate(ctx, tx, params.IssueID)
	if err != nil {
		return VoteResult{}, err
	}
	if is.Closed {
		s.reject("vote", "voting_closed", params.Caller, is.ID)
		return VoteResult{}, ErrVotingClosed
	}

	voted, err := s.repo.HasVoted(ctx, tx, is.ID, params.Caller)
	if err != nil {
		return VoteResult{}, err
	}
	if voted {
		s.reject("vote", "already_voted", params.Caller, is.ID)
		return VoteResult{}, ErrAlreadyVoted
	}

	weight, err := s.ledger.BalanceOf(ctx, tx, params.Caller)
	if err != nil {
		return VoteResult{}, err
	}
	if weight == 0 {
		s.reject("vote", "no_weight", params.Caller, is.ID)
		return VoteResult{}, ErrNoWeight
	}

	closedNow, err := is.Apply(params.Choice, weight)
	if err != nil {
		return VoteResult{}, err
	}

	ballot := Ballot{
		IssueID:   is.ID,
		AccountID: params.Caller,
		Position:  is.VoterCount,
		Choice:    params.Choice,
		Weight:    weight,
		CastAt:    s.now().UTC(),
	}
	if err := s.repo.RecordVote(ctx, tx, is, ballot); err != nil {
		if errors.Is(err, ErrAlreadyVoted) || errors.Is(err, ErrVotingClosed) {
			s.reject("vote", reasonFor(err), params.Caller, is.ID)
		}
		return VoteResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"issue_id":    is.ID,
			"account_id":  params.Caller,
			"choice":      params.Choice,
			"weight":      weight,
			"total_votes": is.TotalVotes,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicIssueVoted, payload); err != nil {
			return VoteResult{}, fmt.Errorf("issue: enqueue outbox: %w", err)
		}
		if closedNow {
			closing := map[string]any{
				"issue_id":      is.ID,
				"passed":        is.Passed,
				"votes_for":     is.VotesFor,
				"votes_against": is.VotesAgainst,
				"votes_abstain": is.VotesAbstain,
				"total_votes":   is.TotalVotes,
				"quorum":        is.Quorum,
			}
			if err := s.outbox.Enqueue(ctx, tx, outbox.TopicIssueClosed, closing); err != nil {
				return VoteResult{}, fmt.Errorf("issue: enqueue outbox: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return VoteResult{}, fmt.Errorf("issue: commit tx: %w", err)
	}

	s.metrics.VoteCast(string(params.Choice), weight)
	s.logger.Debug("vote cast",
		"module", "issue",
		"layer", "application",
		"issue_id", is.ID,
		"account_id", params.Caller,
		"choice", params.Choice,
		"weight", weight,
	)
	if closedNow {
		s.metrics.IssueClosed(is.Passed)
		s.logger.Info("issue closed",
			"module", "issue",
			"layer", "application",
			"issue_id", is.ID,
			"passed", is.Passed,
			"total_votes", is.TotalVotes,
			"quorum", is.Quorum,
		)
	}

	return VoteResult{
		Issue:       is,
		Weight:      weight,
		ClosedNow:   closedNow,
		VoterNumber: ballot.Position,
	}, nil
}

// Get returns a read-only snapshot of an issue with its voters in vote order.
func (s *Service) Get(ctx context.Context, id uint64) (Snapshot, error) {
	if id == 0 {
		return Snapshot{}, outOfRange(id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("issue: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	is, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Snapshot{}, err
	}
	voters, err := s.repo.Voters(ctx, tx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Issue: is, Voters: voters}, nil
}

// Count returns how many issues exist.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("issue: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.Count(ctx, tx)
}

// List returns one page of issues in creation order, without voters.
func (s *Service) List(ctx context.Context, filters ListFilters) (ListResult, error) {
	filters = normalizeFilters(filters)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("issue: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	items, err := s.repo.List(ctx, tx, filters)
	if err != nil {
		return ListResult{}, err
	}
	total, err := s.repo.Count(ctx, tx)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) reject(op, reason, caller string, issueID uint64) {
	s.metrics.Rejected(op, reason)
	s.logger.Debug("issue operation rejected",
		"module", "issue",
		"layer", "application",
		"operation", op,
		"reason", reason,
		"account_id", caller,
		"issue_id", issueID,
	)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrVotingClosed):
		return "voting_closed"
	default:
		return "unknown"
	}
}
