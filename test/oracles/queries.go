package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns no rows while its invariant holds.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_tally_sum",
			SQL: `SELECT id, votes_for, votes_against, votes_abstain, total_votes FROM issues
                  WHERE total_votes <> votes_for + votes_against + votes_abstain`,
		},
		{
			Name: "O2_tally_matches_ballots",
			SQL: `SELECT i.id FROM issues i
                  LEFT JOIN (
                      SELECT issue_id,
                             COALESCE(SUM(weight) FILTER (WHERE choice = 'for'), 0)     AS f,
                             COALESCE(SUM(weight) FILTER (WHERE choice = 'against'), 0) AS a,
                             COALESCE(SUM(weight) FILTER (WHERE choice = 'abstain'), 0) AS b,
                             COUNT(*)                                                     AS n
                      FROM issue_voters GROUP BY issue_id) v ON v.issue_id = i.id
                  WHERE i.votes_for <> COALESCE(v.f, 0)
                     OR i.votes_against <> COALESCE(v.a, 0)
                     OR i.votes_abstain <> COALESCE(v.b, 0)
                     OR i.voter_count <> COALESCE(v.n, 0)`,
		},
		{
			Name: "O3_closed_iff_quorum",
			SQL: `SELECT id, quorum, total_votes, voter_count, closed FROM issues
                  WHERE (voter_count > 0 AND closed <> (total_votes >= quorum))
                     OR (voter_count = 0 AND closed)`,
		},
		{
			Name: "O4_passed_consistency",
			SQL: `SELECT id, closed, passed, votes_for, votes_against FROM issues
                  WHERE passed <> (closed AND votes_for > votes_against)`,
		},
		{
			Name: "O5_no_vote_after_close",
			SQL: `WITH last AS (
                      SELECT issue_id, MAX(position) AS pos FROM issue_voters GROUP BY issue_id)
                  SELECT v.issue_id, v.position FROM issue_voters v
                  JOIN issues i ON i.id = v.issue_id
                  WHERE i.closed AND v.position < (SELECT pos FROM last WHERE last.issue_id = v.issue_id)
                    AND (SELECT SUM(weight) FROM issue_voters w
                         WHERE w.issue_id = v.issue_id AND w.position <= v.position) >= i.quorum`,
		},
		{
			Name: "O6_supply_conservation",
			SQL: `SELECT s.total, b.sum, c.sum FROM token_supply s,
                         (SELECT COALESCE(SUM(amount), 0) AS sum FROM balances) b,
                         (SELECT COALESCE(SUM(amount), 0) AS sum FROM claims) c
                  WHERE s.total <> b.sum OR s.total <> c.sum OR s.total > 1000000`,
		},
		{
			Name: "O7_fixed_allotment",
			SQL:  `SELECT account_id, amount FROM claims WHERE amount <> 100`,
		},
		{
			Name: "O8_dense_issue_ids",
			SQL: `SELECT c.last_id, COUNT(i.id), MIN(i.id), MAX(i.id) FROM issue_counter c
                  LEFT JOIN issues i ON true
                  GROUP BY c.last_id
                  HAVING COUNT(i.id) <> c.last_id
                      OR (COUNT(i.id) > 0 AND (MIN(i.id) <> 1 OR MAX(i.id) <> c.last_id))`,
		},
		{
			Name: "O9_dense_voter_positions",
			SQL: `SELECT issue_id, COUNT(*), MAX(position) FROM issue_voters
                  GROUP BY issue_id HAVING MAX(position) <> COUNT(*) OR MIN(position) <> 1`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
