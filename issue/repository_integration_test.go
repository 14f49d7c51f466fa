package issue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenvote/claim"
	"tokenvote/outbox"
	"tokenvote/test/infra"
	"tokenvote/token"
)

// TestIssueLifecycle_Integration drives create, vote and close against a real
// PostgreSQL and checks the stored rows.
func TestIssueLifecycle_Integration(t *testing.T) {
	h := infra.Open(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledger := token.NewLedger()
	writer := outbox.NewWriter()
	claims := claim.NewService(pool, nil, ledger, writer)
	svc := NewService(pool, nil, ledger, writer)

	for _, acct := range []string{"alice", "bob"} {
		if _, err := claims.Claim(ctx, acct); err != nil {
			t.Fatalf("claim %s: %v", acct, err)
		}
	}

	if _, err := svc.Create(ctx, CreateParams{Caller: "carol", Quorum: 10}); !errors.Is(err, ErrNoWeight) {
		t.Fatalf("expected ErrNoWeight, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Caller: "alice", Quorum: 201}); !errors.Is(err, ErrQuorumTooHigh) {
		t.Fatalf("expected ErrQuorumTooHigh, got %v", err)
	}

	id, err := svc.Create(ctx, CreateParams{Caller: "alice", Description: "raise the cap", Quorum: 150})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 1 {
		t.Fatalf("rejected creates must not consume ids; got %d", id)
	}

	if _, err := svc.Vote(ctx, VoteParams{Caller: "alice", IssueID: id, Choice: ChoiceFor}); err != nil {
		t.Fatalf("vote alice: %v", err)
	}
	if _, err := svc.Vote(ctx, VoteParams{Caller: "alice", IssueID: id, Choice: ChoiceFor}); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	res, err := svc.Vote(ctx, VoteParams{Caller: "bob", IssueID: id, Choice: ChoiceAbstain})
	if err != nil {
		t.Fatalf("vote bob: %v", err)
	}
	if !res.ClosedNow || !res.Issue.Passed {
		t.Fatalf("expected closed and passed: %+v", res.Issue)
	}
	if _, err := svc.Vote(ctx, VoteParams{Caller: "bob", IssueID: id, Choice: ChoiceFor}); !errors.Is(err, ErrVotingClosed) {
		t.Fatalf("expected ErrVotingClosed, got %v", err)
	}
	if _, err := svc.Vote(ctx, VoteParams{Caller: "bob", IssueID: 2, Choice: ChoiceFor}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	snap, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.VotesFor != 100 || snap.VotesAbstain != 100 || snap.TotalVotes != 200 || snap.VoterCount != 2 {
		t.Fatalf("unexpected tallies: %+v", snap.Issue)
	}
	if snap.ClosedAt == nil {
		t.Fatal("expected closed_at to be set")
	}
	if len(snap.Voters) != 2 || snap.Voters[0] != "alice" || snap.Voters[1] != "bob" {
		t.Fatalf("expected voters [alice bob], got %v", snap.Voters)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic LIKE 'issue.%'`).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 4 {
		t.Fatalf("expected 4 issue events (created, 2x voted, closed), got %d", events)
	}

	if _, err := pool.Exec(ctx, `UPDATE issues SET votes_for = 0, total_votes = 100 WHERE id = $1`, int64(id)); err == nil {
		t.Fatal("closed issue row must reject updates")
	}
}

// TestConcurrentVotes_Integration races every holder onto one issue and
// checks the tally is the exact sum of accepted votes.
func TestConcurrentVotes_Integration(t *testing.T) {
	h := infra.Open(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ledger := token.NewLedger()
	claims := claim.NewService(pool, nil, ledger, nil)
	svc := NewService(pool, nil, ledger, nil)

	const voters = 12
	accounts := make([]string, voters)
	for i := range accounts {
		accounts[i] = "voter-" + string(rune('a'+i))
		if _, err := claims.Claim(ctx, accounts[i]); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	id, err := svc.Create(ctx, CreateParams{Caller: accounts[0], Quorum: 1000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		closedBy int
	)
	for _, acct := range accounts {
		acct := acct
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Vote(ctx, VoteParams{Caller: acct, IssueID: id, Choice: ChoiceFor})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
				if res.ClosedNow {
					closedBy++
				}
			case errors.Is(err, ErrVotingClosed):
			default:
				t.Errorf("vote %s: %v", acct, err)
			}
		}()
	}
	wg.Wait()

	snap, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if accepted != 10 || closedBy != 1 {
		t.Fatalf("expected exactly 10 accepted votes and one closing vote, got %d and %d", accepted, closedBy)
	}
	if snap.TotalVotes != uint64(accepted)*claim.Allotment || len(snap.Voters) != accepted {
		t.Fatalf("tally drifted: %+v", snap)
	}
	if !snap.Closed || !snap.Passed {
		t.Fatalf("expected closed and passed: %+v", snap.Issue)
	}
}
