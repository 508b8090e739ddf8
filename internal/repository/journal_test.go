package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// memAttempts is an in-memory dispatch_attempts table.
type memAttempts struct {
	rows map[string]model.DispatchAttempt
	tick time.Time
}

func newMemAttempts() *memAttempts {
	return &memAttempts{rows: map[string]model.DispatchAttempt{}, tick: time.Unix(1_700_000_000, 0)}
}

func (m *memAttempts) now() time.Time {
	m.tick = m.tick.Add(time.Millisecond)
	return m.tick
}

func (m *memAttempts) Record(_ context.Context, a model.DispatchAttempt) error {
	if _, ok := m.rows[a.ID]; ok {
		return nil
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	m.rows[a.ID] = a
	return nil
}

func (m *memAttempts) MarkReconciled(ctx context.Context, id string, s model.ReconcileStatus) error {
	return m.BatchUpdateReconcileStatus(ctx, nil, []string{id}, s)
}

func (m *memAttempts) BatchUpdateReconcileStatus(_ context.Context, _ *sqlx.Tx, ids []string, s model.ReconcileStatus) error {
	for _, id := range ids {
		if a, ok := m.rows[id]; ok {
			a.ReconcileStatus, a.UpdatedAt = s, m.now()
			m.rows[id] = a
		}
	}
	return nil
}

func (m *memAttempts) FlushReconcile(ctx context.Context, done, failed []string) error {
	_ = m.BatchUpdateReconcileStatus(ctx, nil, done, model.ReconcileDone)
	return m.BatchUpdateReconcileStatus(ctx, nil, failed, model.ReconcileFailed)
}

func (m *memAttempts) GetByIDs(_ context.Context, ids []string) ([]model.DispatchAttempt, error) {
	var out []model.DispatchAttempt
	for _, id := range ids {
		if a, ok := m.rows[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

type memReports struct {
	rows []model.DispatchAttempt
	err  error
}

func (r *memReports) Insert(_ context.Context, rows []model.DispatchAttempt) error {
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, rows...)
	return nil
}

// latest mimics dispatch_attempts_latest: newest updated_at per id.
func (r *memReports) latest(id string) (model.DispatchAttempt, bool) {
	var best model.DispatchAttempt
	found := false
	for _, a := range r.rows {
		if a.ID == id && (!found || a.UpdatedAt.After(best.UpdatedAt)) {
			best, found = a, true
		}
	}
	return best, found
}

func TestJournal_CopiesEveryVersionToReports(t *testing.T) {
	ctx := context.Background()
	rep := &memReports{}
	j := NewJournal(newMemAttempts(), rep, nil)

	a := model.DispatchAttempt{ID: "A1", ClientID: 1, RecipientKey: "+1555", Status: model.AttemptAllowed, ReconcileStatus: model.ReconcilePending}
	b := model.DispatchAttempt{ID: "A2", ClientID: 1, RecipientKey: "+1555", Status: model.AttemptAllowed, ReconcileStatus: model.ReconcilePending}
	if err := j.Record(ctx, a); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, b); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, ok := rep.latest("A1"); !ok || got.ReconcileStatus != model.ReconcilePending || got.CreatedAt.IsZero() {
		t.Fatalf("expected pending A1 in reports, got %+v (%v)", got, ok)
	}

	if err := j.MarkReconciled(ctx, "A1", model.ReconcileDone); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := j.FlushReconcile(ctx, nil, []string{"A2"}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got, _ := rep.latest("A1"); got.ReconcileStatus != model.ReconcileDone {
		t.Fatalf("expected A1 done in reports, got %q", got.ReconcileStatus)
	}
	if got, _ := rep.latest("A2"); got.ReconcileStatus != model.ReconcileFailed {
		t.Fatalf("expected A2 failed in reports, got %q", got.ReconcileStatus)
	}
}

func TestJournal_ReportCopyFailureIsNotFatal(t *testing.T) {
	primary := newMemAttempts()
	j := NewJournal(primary, &memReports{err: errors.New("clickhouse down")}, nil)
	if err := j.Record(context.Background(), model.DispatchAttempt{ID: "A1", Status: model.AttemptDenied}); err != nil {
		t.Fatalf("expected mysql write to succeed, got %v", err)
	}
	if _, ok := primary.rows["A1"]; !ok {
		t.Fatal("expected row in the primary journal")
	}
}

func TestJournal_WithoutReports(t *testing.T) {
	j := NewJournal(newMemAttempts(), nil, nil)
	if err := j.MarkReconciled(context.Background(), "missing", model.ReconcileDone); err != nil {
		t.Fatalf("mark: %v", err)
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("é", maxErrorLen+10)
	if got := truncateRunes(long, maxErrorLen); len([]rune(got)) != maxErrorLen {
		t.Fatalf("expected %d runes, got %d", maxErrorLen, len([]rune(got)))
	}
	if got := truncateRunes("short", maxErrorLen); got != "short" {
		t.Fatalf("expected short string unchanged, got %q", got)
	}
}
