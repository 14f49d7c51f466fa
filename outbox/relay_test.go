package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"tokenvote/outbox"
	"tokenvote/test/fakes"
)

type fakeStore struct {
	pending   []outbox.Message
	claimErr  error
	processed []string
	failed    []string
}

func (f *fakeStore) ClaimPending(_ context.Context, _ pgx.Tx, limit int) ([]outbox.Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, _ pgx.Tx, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, id string, _ int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakePublisher struct {
	failFor map[string]bool
	got     []string
}

func (f *fakePublisher) Publish(_ context.Context, msg outbox.Message) error {
	if f.failFor[msg.ID] {
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, msg.Topic)
	return nil
}

func TestRelay_RunOncePublishesAndSettles(t *testing.T) {
	pool := &fakes.Pool{}
	store := &fakeStore{pending: []outbox.Message{
		{ID: "m1", Topic: outbox.TopicIssueCreated},
		{ID: "m2", Topic: outbox.TopicIssueVoted},
		{ID: "m3", Topic: outbox.TopicIssueClosed},
	}}
	pub := &fakePublisher{failFor: map[string]bool{"m2": true}}
	relay := outbox.NewRelay(pool, store, pub)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
	if len(store.processed) != 2 || store.processed[0] != "m1" || store.processed[1] != "m3" {
		t.Fatalf("unexpected processed rows: %v", store.processed)
	}
	if len(store.failed) != 1 || store.failed[0] != "m2" {
		t.Fatalf("unexpected failed rows: %v", store.failed)
	}
	if !pool.Last().Committed {
		t.Fatal("expected commit")
	}
}

func TestRelay_RunOnceEmpty(t *testing.T) {
	pool := &fakes.Pool{}
	relay := outbox.NewRelay(pool, &fakeStore{}, &fakePublisher{})

	n, err := relay.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
	if pool.Last().Committed {
		t.Fatal("expected no commit for an empty batch")
	}
}

func TestRelay_RunOnceRespectsBatchSize(t *testing.T) {
	pool := &fakes.Pool{}
	store := &fakeStore{pending: []outbox.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	relay := outbox.NewRelay(pool, store, &fakePublisher{}).WithBatchSize(2)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
}

func TestRelay_RunOnceClaimError(t *testing.T) {
	pool := &fakes.Pool{}
	relay := outbox.NewRelay(pool, &fakeStore{claimErr: errors.New("boom")}, &fakePublisher{})

	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !pool.Last().Rolled {
		t.Fatal("expected rollback")
	}
}
