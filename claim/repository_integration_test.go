package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenvote/test/infra"
	"tokenvote/token"
)

// TestConcurrentClaims_Integration races claims for the same accounts and
// checks each account is minted exactly once.
func TestConcurrentClaims_Integration(t *testing.T) {
	h := infra.Open(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledger := token.NewLedger()
	svc := NewService(pool, nil, ledger, nil)

	accounts := []string{"alice", "bob", "carol"}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		for _, acct := range accounts {
			acct := acct
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Claim(ctx, acct)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted[acct]++
				case errors.Is(err, ErrAlreadyClaimed):
				default:
					t.Errorf("claim %s: %v", acct, err)
				}
			}()
		}
	}
	wg.Wait()

	for _, acct := range accounts {
		if accepted[acct] != 1 {
			t.Fatalf("expected exactly one accepted claim for %s, got %d", acct, accepted[acct])
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	supply, err := ledger.TotalSupply(ctx, tx)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply != uint64(len(accounts))*Allotment {
		t.Fatalf("expected supply %d, got %d", uint64(len(accounts))*Allotment, supply)
	}
	for _, acct := range accounts {
		balance, err := ledger.BalanceOf(ctx, tx, acct)
		if err != nil {
			t.Fatalf("balance %s: %v", acct, err)
		}
		if balance != Allotment {
			t.Fatalf("expected balance %d for %s, got %d", Allotment, acct, balance)
		}
	}
}

// TestSupplyExhausted_Integration starts just below the cap and checks the
// claim that reaches it succeeds and the next one does not.
func TestSupplyExhausted_Integration(t *testing.T) {
	h := infra.Open(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `UPDATE token_supply SET total = $1 WHERE id = 1`, int64(SupplyCap-Allotment)); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	svc := NewService(pool, nil, nil, nil)

	if _, err := svc.Claim(ctx, "last-in"); err != nil {
		t.Fatalf("claim at cap boundary: %v", err)
	}
	if _, err := svc.Claim(ctx, "too-late"); !errors.Is(err, ErrSupplyExhausted) {
		t.Fatalf("expected ErrSupplyExhausted, got %v", err)
	}
	if _, err := svc.Claim(ctx, "last-in"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed ahead of exhaustion, got %v", err)
	}

	claimed, err := svc.HasClaimed(ctx, "too-late")
	if err != nil {
		t.Fatalf("has claimed: %v", err)
	}
	if claimed {
		t.Fatal("rejected claim must leave no record")
	}
}
