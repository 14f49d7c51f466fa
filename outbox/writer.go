package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Writer appends outbox rows inside the caller's transaction so an event is
// stored if and only if the state change that produced it commits.
type Writer struct {
	idGenerator func() string
}

func NewWriter() *Writer {
	return &Writer{idGenerator: uuid.NewString}
}

func (w *Writer) WithIDGenerator(gen func() string) *Writer {
	w.idGenerator = gen
	return w
}

// Enqueue inserts a pending message for topic.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, w.idGenerator(), topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}
