package fakes

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"tokenvote/token"
)

// Ledger is an in-memory token.Store. Writes apply immediately; tests that
// care about rollback assert on the repository side instead.
type Ledger struct {
	mu       sync.Mutex
	Balances map[string]uint64
	Supply   uint64
	Mints    []Mint
	MintErr  error
	ReadErr  error
}

// Mint captures a single Mint call.
type Mint struct {
	Account string
	Amount  uint64
}

func NewLedger() *Ledger {
	return &Ledger{Balances: map[string]uint64{}}
}

// Set forces the balance of account, adjusting supply to match.
func (l *Ledger) Set(account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Supply = l.Supply - l.Balances[account] + amount
	l.Balances[account] = amount
}

func (l *Ledger) BalanceOf(_ context.Context, _ pgx.Tx, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	return l.Balances[account], nil
}

func (l *Ledger) TotalSupply(_ context.Context, _ pgx.Tx) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReadErr != nil {
		return 0, l.ReadErr
	}
	return l.Supply, nil
}

func (l *Ledger) Mint(_ context.Context, _ pgx.Tx, account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.MintErr != nil {
		return l.MintErr
	}
	l.Balances[account] += amount
	l.Supply += amount
	l.Mints = append(l.Mints, Mint{Account: account, Amount: amount})
	return nil
}

func (l *Ledger) Transfer(_ context.Context, _ pgx.Tx, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Balances[from] < amount {
		return token.ErrInsufficientBalance
	}
	l.Balances[from] -= amount
	l.Balances[to] += amount
	return nil
}

// Outbox records enqueued events.
type Outbox struct {
	mu     sync.Mutex
	Err    error
	Events []Event
}

// Event is one enqueued outbox message.
type Event struct {
	Topic   string
	Payload map[string]any
}

func (o *Outbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.Events = append(o.Events, Event{Topic: topic, Payload: payload})
	return nil
}

// Topics lists enqueued topics in order.
func (o *Outbox) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.Events))
	for _, e := range o.Events {
		out = append(out, e.Topic)
	}
	return out
}
