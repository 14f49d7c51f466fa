package issue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists issues and their voters. Every method runs inside the
// caller's transaction.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, is Issue) (Issue, error)
	Get(ctx context.Context, tx pgx.Tx, id uint64) (Issue, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Issue, error)
	HasVoted(ctx context.Context, tx pgx.Tx, id uint64, account string) (bool, error)
	RecordVote(ctx context.Context, tx pgx.Tx, is Issue, ballot Ballot) error
	Voters(ctx context.Context, tx pgx.Tx, id uint64) ([]string, error)
	Count(ctx context.Context, tx pgx.Tx) (uint64, error)
	List(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Issue, error)
}

// PGRepository implements Repository on the issues, issue_voters and
// issue_counter tables.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const issueColumns = `id, description, quorum, votes_for, votes_against, votes_abstain, total_votes,
       voter_count, closed, passed, creator_id, created_at, closed_at`

// Create allocates the next dense identifier and inserts the issue with
// zeroed tallies. The counter row stays locked until the transaction ends.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, is Issue) (Issue, error) {
	var id int64
	if err := tx.QueryRow(ctx, `UPDATE issue_counter SET last_id = last_id + 1 WHERE id = 1 RETURNING last_id`).Scan(&id); err != nil {
		return Issue{}, fmt.Errorf("issue: allocate id: %w", err)
	}

	insertSQL := `
		INSERT INTO issues (id, description, quorum, creator_id)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + issueColumns

	created, err := scanIssue(tx.QueryRow(ctx, insertSQL, id, is.Description, int64(is.Quorum), is.CreatorID))
	if err != nil {
		return Issue{}, fmt.Errorf("issue: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id uint64) (Issue, error) {
	return r.get(ctx, tx, id, `SELECT `+issueColumns+` FROM issues WHERE id = $1`)
}

// GetForUpdate locks the issue row, serialising votes on the same issue.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Issue, error) {
	return r.get(ctx, tx, id, `SELECT `+issueColumns+` FROM issues WHERE id = $1 FOR UPDATE`)
}

func (r *PGRepository) get(ctx context.Context, tx pgx.Tx, id uint64, query string) (Issue, error) {
	if id == 0 || id > 1<<62 {
		return Issue{}, outOfRange(id)
	}
	is, err := scanIssue(tx.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Issue{}, outOfRange(id)
		}
		return Issue{}, fmt.Errorf("issue: get: %w", err)
	}
	return is, nil
}

func (r *PGRepository) HasVoted(ctx context.Context, tx pgx.Tx, id uint64, account string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM issue_voters WHERE issue_id = $1 AND account_id = $2)`
	if err := tx.QueryRow(ctx, query, int64(id), account).Scan(&exists); err != nil {
		return false, fmt.Errorf("issue: check voted: %w", err)
	}
	return exists, nil
}

// RecordVote writes the tallies and closing state computed by Apply and
// appends the ballot at its position.
func (r *PGRepository) RecordVote(ctx context.Context, tx pgx.Tx, is Issue, ballot Ballot) error {
	const updateSQL = `
		UPDATE issues
		SET votes_for = $2,
		    votes_against = $3,
		    votes_abstain = $4,
		    total_votes = $5,
		    voter_count = $6,
		    closed = $7,
		    passed = $8,
		    closed_at = CASE WHEN $7 THEN now() ELSE NULL END
		WHERE id = $1 AND NOT closed
	`
	tag, err := tx.Exec(ctx, updateSQL,
		int64(is.ID),
		int64(is.VotesFor),
		int64(is.VotesAgainst),
		int64(is.VotesAbstain),
		int64(is.TotalVotes),
		is.VoterCount,
		is.Closed,
		is.Passed,
	)
	if err != nil {
		return fmt.Errorf("issue: update tallies: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrVotingClosed
	}

	const insertSQL = `
		INSERT INTO issue_voters (issue_id, account_id, position, choice, weight)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertSQL, int64(ballot.IssueID), ballot.AccountID, ballot.Position, string(ballot.Choice), int64(ballot.Weight)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("issue: insert voter: %w", err)
	}
	return nil
}

// Voters lists voter accounts in the order they voted.
func (r *PGRepository) Voters(ctx context.Context, tx pgx.Tx, id uint64) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT account_id FROM issue_voters WHERE issue_id = $1 ORDER BY position`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("issue: query voters: %w", err)
	}
	defer rows.Close()

	voters := []string{}
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("issue: scan voter: %w", err)
		}
		voters = append(voters, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("issue: iterate voters: %w", err)
	}
	return voters, nil
}

// Count returns the number of issues, which is also the highest assigned ID.
func (r *PGRepository) Count(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var n int64
	if err := tx.QueryRow(ctx, `SELECT last_id FROM issue_counter WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("issue: count: %w", err)
	}
	return uint64(n), nil
}

func (r *PGRepository) List(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Issue, error) {
	filters = normalizeFilters(filters)

	query := `SELECT ` + issueColumns + ` FROM issues ORDER BY id ASC LIMIT $1 OFFSET $2`
	rows, err := tx.Query(ctx, query, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, fmt.Errorf("issue: query list: %w", err)
	}
	defer rows.Close()

	list := []Issue{}
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("issue: scan list: %w", err)
		}
		list = append(list, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("issue: iterate list: %w", err)
	}
	return list, nil
}

func normalizeFilters(filters ListFilters) ListFilters {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	return filters
}

func scanIssue(row pgx.Row) (Issue, error) {
	var (
		is                                   Issue
		id, quorum, forV, againstV, abstainV int64
		total                                int64
		closedAt                             *time.Time
	)
	err := row.Scan(
		&id,
		&is.Description,
		&quorum,
		&forV,
		&againstV,
		&abstainV,
		&total,
		&is.VoterCount,
		&is.Closed,
		&is.Passed,
		&is.CreatorID,
		&is.CreatedAt,
		&closedAt,
	)
	if err != nil {
		return Issue{}, err
	}

	is.ID = uint64(id)
	is.Quorum = uint64(quorum)
	is.VotesFor = uint64(forV)
	is.VotesAgainst = uint64(againstV)
	is.VotesAbstain = uint64(abstainV)
	is.TotalVotes = uint64(total)
	is.ClosedAt = closedAt
	return is, nil
}
