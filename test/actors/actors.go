// Package actors drives the real services concurrently against a shared
// database. Domain rejections are expected under contention and swallowed;
// anything else stops the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tokenvote/claim"
	"tokenvote/issue"
	"tokenvote/token"
)

// Services bundles the services the actors exercise.
type Services struct {
	Claims *claim.Service
	Tokens *token.Service
	Issues *issue.Service
}

// Claimer claims for every account, racing other claimers for the same ones.
func Claimer(ctx context.Context, svc Services, accounts []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		acct := accounts[rand.Intn(len(accounts))]
		if _, err := svc.Claims.Claim(ctx, acct); err != nil {
			if !expected(err, claim.ErrAlreadyClaimed, claim.ErrSupplyExhausted) {
				return fmt.Errorf("claimer %s: %w", acct, err)
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Proposer opens issues with quorums spread across the current supply.
func Proposer(ctx context.Context, svc Services, accounts []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		acct := accounts[rand.Intn(len(accounts))]
		supply, err := svc.Tokens.Supply(ctx)
		if err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("proposer supply: %w", err)
		}
		// Occasionally overshoot so quorum rejections are exercised too.
		quorum := uint64(rand.Int63n(int64(supply) + 200))
		_, err = svc.Issues.Create(ctx, issue.CreateParams{
			Caller:      acct,
			Description: fmt.Sprintf("stress issue by %s", acct),
			Quorum:      quorum,
		})
		if err != nil && !expected(err, issue.ErrNoWeight, issue.ErrQuorumTooHigh) {
			return fmt.Errorf("proposer %s: %w", acct, err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Voter votes on random issues, including ids past the end.
func Voter(ctx context.Context, svc Services, accounts []string, stop <-chan struct{}) error {
	choices := []issue.Choice{issue.ChoiceFor, issue.ChoiceAgainst, issue.ChoiceAbstain}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		count, err := svc.Issues.Count(ctx)
		if err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("voter count: %w", err)
		}
		id := uint64(rand.Int63n(int64(count)+2)) + 1
		acct := accounts[rand.Intn(len(accounts))]
		_, err = svc.Issues.Vote(ctx, issue.VoteParams{
			Caller:  acct,
			IssueID: id,
			Choice:  choices[rand.Intn(len(choices))],
		})
		if err != nil && !expected(err,
			issue.ErrOutOfRange,
			issue.ErrVotingClosed,
			issue.ErrAlreadyVoted,
			issue.ErrNoWeight,
		) {
			return fmt.Errorf("voter %s on %d: %w", acct, id, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Transferrer shuffles balances so vote weight changes while issues are open.
func Transferrer(ctx context.Context, svc Services, accounts []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		from := accounts[rand.Intn(len(accounts))]
		to := accounts[rand.Intn(len(accounts))]
		if from == to {
			continue
		}
		err := svc.Tokens.Transfer(ctx, token.TransferParams{From: from, To: to, Amount: uint64(1 + rand.Intn(80))})
		if err != nil && !expected(err, token.ErrInsufficientBalance) {
			return fmt.Errorf("transfer %s->%s: %w", from, to, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

func expected(err error, domain ...error) bool {
	for _, target := range domain {
		if errors.Is(err, target) {
			return true
		}
	}
	return Transient(err)
}

// Transient reports failures the chaos goroutine or shutdown can cause:
// terminated backends, serialization failures, deadlocks and cancellation.
func Transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01":
			return true
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, fragment := range []string{"conn closed", "connection reset", "terminating connection", "unexpected EOF"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
