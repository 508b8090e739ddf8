package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"github.com/jmehdipour/quota-gateway/internal/reconcile"
)

type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *fakeSource) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

type staticCreds struct{ err error }

func (c staticCreds) Acquire(context.Context) (model.Credential, error) { return "T", c.err }

type fakeJournal struct {
	mu           sync.Mutex
	done, failed []string
}

func (j *fakeJournal) FlushReconcile(_ context.Context, done, failed []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = append(j.done, done...)
	j.failed = append(j.failed, failed...)
	return nil
}

type applyFunc func(ctx context.Context, cred model.Credential, req model.ReconciliationRequest) error

// fakeApplier records abandoned attempts.
type fakeApplier struct {
	apply     applyFunc
	mu        sync.Mutex
	abandoned []string
}

func (f *fakeApplier) Apply(ctx context.Context, cred model.Credential, req model.ReconciliationRequest) error {
	return f.apply(ctx, cred, req)
}

func (f *fakeApplier) Abandon(req model.ReconciliationRequest, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, req.AttemptID)
	return cause
}

// unusedLedger fails the test if a write-back reaches it.
type unusedLedger struct{ t *testing.T }

func (l unusedLedger) GetRecord(context.Context, model.Credential, model.ResourceHandle, string) (model.LedgerRecord, error) {
	l.t.Error("unexpected ledger read")
	return model.LedgerRecord{}, errors.New("unexpected")
}

func (l unusedLedger) UpdateConsumed(context.Context, model.Credential, model.ResourceHandle, string, int64, string) error {
	l.t.Error("unexpected ledger write")
	return errors.New("unexpected")
}

func message(t *testing.T, offset int64, attemptID, recordID string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(model.ReconciliationRequest{
		AttemptID:    attemptID,
		RecipientKey: "+1555",
		RecordID:     recordID,
		Handle:       model.ResourceHandle{SiteID: "S1", ListID: "L1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Offset: offset, Value: b}
}

func runUntilCommitted(t *testing.T, w *ReconcilerKafka, src *fakeSource, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.commits() < want {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected %d commits, got %d", want, src.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestReconcilerKafka_AppliesAndJournals(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{
		message(t, 1, "A1", "7"),
		message(t, 2, "A2", "8"),
		{Offset: 3, Value: []byte("not json")},
	}}
	j := &fakeJournal{}
	apply := func(_ context.Context, cred model.Credential, req model.ReconciliationRequest) error {
		if cred != "T" {
			t.Errorf("expected fresh credential, got %q", cred)
		}
		if req.RecordID == "8" {
			return errors.New("exhausted")
		}
		return nil
	}

	w := NewReconcilerKafka(src, staticCreds{}, &fakeApplier{apply: apply}, j, nil)
	w.Workers = 2
	w.BatchWait = time.Millisecond
	runUntilCommitted(t, w, src, 3)

	if len(j.done) != 1 || j.done[0] != "A1" {
		t.Fatalf("expected A1 done, got %v", j.done)
	}
	if len(j.failed) != 1 || j.failed[0] != "A2" {
		t.Fatalf("expected A2 failed, got %v", j.failed)
	}
	sort.Slice(src.committed, func(a, b int) bool { return src.committed[a] < src.committed[b] })
	if src.committed[2] != 3 {
		t.Fatalf("expected poison message committed, got %v", src.committed)
	}
}

func TestReconcilerKafka_CredentialFailureMarksFailed(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{message(t, 1, "A1", "7")}}
	j := &fakeJournal{}
	called := false
	fa := &fakeApplier{apply: func(context.Context, model.Credential, model.ReconciliationRequest) error {
		called = true
		return nil
	}}

	w := NewReconcilerKafka(src, staticCreds{err: errors.New("401")}, fa, j, nil)
	w.Workers = 1
	runUntilCommitted(t, w, src, 1)

	if called {
		t.Fatal("expected no apply without a credential")
	}
	if len(fa.abandoned) != 1 || fa.abandoned[0] != "A1" {
		t.Fatalf("expected A1 abandoned, got %v", fa.abandoned)
	}
	if len(j.failed) != 1 || j.failed[0] != "A1" {
		t.Fatalf("expected A1 failed, got %v", j.failed)
	}
}

func TestReconcilerKafka_CredentialFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	book := quota.NewMemoryBook()
	_ = book.Reserve(ctx, "+1555", "A1")
	applier := reconcile.NewApplier(unusedLedger{t}, quota.NewLocalLocker(), book, reconcile.Options{})

	src := &fakeSource{msgs: []kafka.Message{message(t, 1, "A1", "7")}}
	w := NewReconcilerKafka(src, staticCreds{err: errors.New("401")}, applier, &fakeJournal{}, nil)
	w.Workers = 1
	runUntilCommitted(t, w, src, 1)

	pending, _ := book.Pending(ctx, "+1555")
	if pending != 0 {
		t.Fatalf("expected reservation released, got %d pending", pending)
	}
	rec := model.LedgerRecord{TotalAllowance: 5, ConsumedAllowance: 4}
	if d := quota.Decide(rec, pending); d != model.DecisionAllowed {
		t.Fatalf("expected next request allowed, got %s", d)
	}
}

func TestReconcilerKafka_InterruptedIsNotCommitted(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{message(t, 1, "A1", "7")}}
	j := &fakeJournal{}
	started := make(chan struct{})
	fa := &fakeApplier{apply: func(ctx context.Context, _ model.Credential, _ model.ReconciliationRequest) error {
		close(started)
		<-ctx.Done()
		return reconcile.ErrInterrupted
	}}
	w := NewReconcilerKafka(src, staticCreds{}, fa, j, nil)
	w.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	<-started
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	if src.commits() != 0 {
		t.Fatalf("expected no commit, got %d", src.commits())
	}
	if len(fa.abandoned) != 0 || len(j.failed) != 0 || len(j.done) != 0 {
		t.Fatalf("expected nothing settled, abandoned=%v failed=%v done=%v", fa.abandoned, j.failed, j.done)
	}
}
