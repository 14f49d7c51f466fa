package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultMaxAttempts is how many publish failures a row survives before it is
// marked dead.
const DefaultMaxAttempts = 5

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access the relay needs.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error
}

// Publisher delivers a message to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Relay drains pending outbox rows to a Publisher.
type Relay struct {
	pool        TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher) *Relay {
	if store == nil {
		store = NewRepository()
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   50,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// RunOnce publishes one batch and returns how many rows were published. A
// publish failure is recorded on the row and does not stop the batch.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pending, err := r.store.ClaimPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	published := 0
	for _, msg := range pending {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.logger.Warn("outbox publish failed",
				"module", "outbox",
				"layer", "worker",
				"outbox_id", msg.ID,
				"topic", msg.Topic,
				"attempts", msg.Attempts+1,
				"error", err.Error(),
			)
			if err := r.store.MarkFailed(ctx, tx, msg.ID, r.maxAttempts); err != nil {
				return 0, err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}

	r.logger.Debug("outbox relay cycle completed",
		"module", "outbox",
		"layer", "worker",
		"claimed_count", len(pending),
		"published_count", published,
	)
	return published, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox relay cycle failed",
					"module", "outbox",
					"layer", "worker",
					"error", err.Error(),
				)
			}
		}
	}
}

// LogPublisher publishes by logging. It is the default sink when no broker is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("governance event",
		"module", "outbox",
		"layer", "publisher",
		"outbox_id", msg.ID,
		"topic", msg.Topic,
		"payload", string(msg.Payload),
	)
	return nil
}
