package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGRepository reads and settles outbox rows for the relay.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// ClaimPending locks up to limit pending rows. Concurrent relays skip rows
// another relay already holds.
func (r *PGRepository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
		SELECT id::text, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}
	return messages, nil
}

func (r *PGRepository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and parks the row as dead once it
// reaches maxAttempts.
func (r *PGRepository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	const updateSQL = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_attempt = now(),
		    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateSQL, id, maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
