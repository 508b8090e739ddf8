package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

func TestPool_DrainsOnClose(t *testing.T) {
	var applied atomic.Int32
	p := NewPool(func(context.Context, model.Credential, model.ReconciliationRequest) error {
		time.Sleep(time.Millisecond)
		applied.Add(1)
		return nil
	}, 2, 16, nil)

	for i := 0; i < 10; i++ {
		if err := p.Submit("T", model.ReconciliationRequest{AttemptID: "A"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if applied.Load() != 10 {
		t.Fatalf("expected 10 applied, got %d", applied.Load())
	}
	if err := p.Submit("T", model.ReconciliationRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPool_SubmitDoesNotBlockWhenFull(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	p := NewPool(func(context.Context, model.Credential, model.ReconciliationRequest) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	}, 1, 1, nil)

	_ = p.Submit("T", model.ReconciliationRequest{})
	<-started // worker holds the first job
	if err := p.Submit("T", model.ReconciliationRequest{}); err != nil {
		t.Fatalf("expected queue slot, got %v", err)
	}
	if err := p.Submit("T", model.ReconciliationRequest{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPool_CloseCancelsOnDeadline(t *testing.T) {
	p := NewPool(func(ctx context.Context, _ model.Credential, _ model.ReconciliationRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1, 1, nil)
	_ = p.Submit("T", model.ReconciliationRequest{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDecodeRequest(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"attempt_id":"A1","record_id":"7","handle":{"site_id":"S1","list_id":"L1"},"new_consumed":5}`)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := DecodeRequest([]byte(`{"attempt_id":"A1"}`)); err == nil {
		t.Fatal("expected incomplete request to be rejected")
	}
	if _, err := DecodeRequest([]byte(`not json`)); err == nil {
		t.Fatal("expected bad json to be rejected")
	}
}
