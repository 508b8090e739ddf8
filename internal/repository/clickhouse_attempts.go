package repository

import (
	"context"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type AttemptFilter struct {
	RecipientKey string
	Status       model.AttemptStatus
	Limit        int
	Offset       int
}

// CHAttemptsRepository lists dispatch attempts from ClickHouse (final view).
type CHAttemptsRepository interface {
	ListByClient(ctx context.Context, clientID int64, f AttemptFilter) ([]model.DispatchAttempt, error)
}

// CHAttemptsWriter appends attempt versions; the newest updated_at wins.
type CHAttemptsWriter interface {
	Insert(ctx context.Context, rows []model.DispatchAttempt) error
}

type CHAttemptsRepositoryImpl struct {
	ch *sqlx.DB // ClickHouse connection
}

var (
	_ CHAttemptsRepository = (*CHAttemptsRepositoryImpl)(nil)
	_ CHAttemptsWriter     = (*CHAttemptsRepositoryImpl)(nil)
)

func NewCHAttemptsRepository(ch *sqlx.DB) *CHAttemptsRepositoryImpl {
	return &CHAttemptsRepositoryImpl{ch: ch}
}

const chInsertAttempts = `INSERT INTO quotagw.dispatch_attempts
	(id, client_id, recipient_key, recipient, record_id, status, dispatch_id, reconcile_status, error, created_at, updated_at)`

// Insert sends rows as one ClickHouse batch.
func (r *CHAttemptsRepositoryImpl) Insert(ctx context.Context, rows []model.DispatchAttempt) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, chInsertAttempts)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.ClientID, a.RecipientKey, a.Recipient, a.RecordID,
			a.Status.String(), a.DispatchID, a.ReconcileStatus.String(), a.Error,
			a.CreatedAt, a.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func buildListQuery(clientID int64, f AttemptFilter) (string, []any) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, client_id, recipient_key, recipient, record_id, status, dispatch_id, reconcile_status, error, created_at, updated_at
		FROM quotagw.dispatch_attempts_latest
		WHERE client_id = ?
	`
	args := []any{clientID}

	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.RecipientKey != "" {
		q += " AND recipient_key = ?"
		args = append(args, f.RecipientKey)
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)
	return q, args
}

func (r *CHAttemptsRepositoryImpl) ListByClient(ctx context.Context, clientID int64, f AttemptFilter) ([]model.DispatchAttempt, error) {
	q, args := buildListQuery(clientID, f)
	var rows []model.DispatchAttempt
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
