package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tokenvote/outbox"
	"tokenvote/test/infra"
)

type recordingPublisher struct {
	fail     map[string]bool
	messages []outbox.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg outbox.Message) error {
	if p.fail[msg.Topic] {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	return nil
}

// TestRelay_Integration writes events through the Writer, drains them with
// the relay and checks failed topics end up dead after MaxAttempts.
func TestRelay_Integration(t *testing.T) {
	h := infra.Open(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writer := outbox.NewWriter()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.Enqueue(ctx, tx, outbox.TopicIssueCreated, map[string]any{"issue_id": 1}); err != nil {
		t.Fatalf("enqueue created: %v", err)
	}
	if err := writer.Enqueue(ctx, tx, outbox.TopicIssueClosed, map[string]any{"issue_id": 1, "passed": true}); err != nil {
		t.Fatalf("enqueue closed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	publisher := &recordingPublisher{fail: map[string]bool{outbox.TopicIssueClosed: true}}
	relay := outbox.NewRelay(pool, nil, publisher).WithMaxAttempts(2)

	for i := 0; i < 3; i++ {
		if _, err := relay.RunOnce(ctx); err != nil {
			t.Fatalf("run once #%d: %v", i+1, err)
		}
	}

	if len(publisher.messages) != 1 || publisher.messages[0].Topic != outbox.TopicIssueCreated {
		t.Fatalf("unexpected published messages: %+v", publisher.messages)
	}
	var payload map[string]any
	if err := json.Unmarshal(publisher.messages[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["issue_id"] != float64(1) {
		t.Fatalf("unexpected payload: %v", payload)
	}

	statuses := map[string]string{}
	rows, err := pool.Query(ctx, `SELECT topic, status FROM outbox`)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var topic, status string
		if err := rows.Scan(&topic, &status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		statuses[topic] = status
	}
	if statuses[outbox.TopicIssueCreated] != string(outbox.StatusProcessed) {
		t.Fatalf("expected created event processed, got %q", statuses[outbox.TopicIssueCreated])
	}
	if statuses[outbox.TopicIssueClosed] != string(outbox.StatusDead) {
		t.Fatalf("expected closed event dead after retries, got %q", statuses[outbox.TopicIssueClosed])
	}
}
