package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/quota"
)

func TestPublisher_FailedBatchSettlesReservationsAndJournal(t *testing.T) {
	ctx := context.Background()
	book := quota.NewMemoryBook()
	_ = book.Reserve(ctx, "+1555", "A1")
	_ = book.Reserve(ctx, "+1555", "A2")
	j := &fakeJournal{}
	a := newTestApplier(newFakeLedger(), book, j)

	pub := NewPublisher([]string{"127.0.0.1:1"}, "ledger.reconcile", a.Abandon, nil)
	defer pub.Close(ctx)

	b, err := json.Marshal(request(4, ""))
	if err != nil {
		t.Fatal(err)
	}
	pub.completed([]kafka.Message{
		{Key: []byte("+1555"), Value: b},
		{Value: []byte("not json")},
	}, errors.New("leader not available"))

	if n, _ := book.Pending(ctx, "+1555"); n != 1 {
		t.Fatalf("expected only A1 released, got %d pending", n)
	}
	if j.get("A1") != model.ReconcileFailed {
		t.Fatalf("expected journal failed, got %q", j.get("A1"))
	}
	if j.get("A2") != "" {
		t.Fatalf("expected A2 untouched, got %q", j.get("A2"))
	}

	// acknowledged batches settle nothing
	pub.completed([]kafka.Message{{Value: b}}, nil)
	if n, _ := book.Pending(ctx, "+1555"); n != 1 {
		t.Fatalf("expected 1 pending after success, got %d", n)
	}
}
