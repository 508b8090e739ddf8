package repository

import (
	"context"
	"unicode/utf8"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// AttemptsRepository is the dispatch journal in MySQL.
type AttemptsRepository interface {
	Record(ctx context.Context, a model.DispatchAttempt) error
	MarkReconciled(ctx context.Context, id string, status model.ReconcileStatus) error
	BatchUpdateReconcileStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.ReconcileStatus) error
	FlushReconcile(ctx context.Context, done, failed []string) error
	GetByIDs(ctx context.Context, ids []string) ([]model.DispatchAttempt, error)
}

// maxErrorLen matches dispatch_attempts.error.
const maxErrorLen = 512

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type AttemptsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAttemptsRepository(db *sqlx.DB) *AttemptsRepositoryImpl {
	return &AttemptsRepositoryImpl{db: db}
}

var _ AttemptsRepository = (*AttemptsRepositoryImpl)(nil)

func (r *AttemptsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// Record inserts the attempt once its decision is known. Replays with the
// same id are ignored.
func (r *AttemptsRepositoryImpl) Record(ctx context.Context, a model.DispatchAttempt) error {
	const q = `
		INSERT IGNORE INTO dispatch_attempts
		    (id, client_id, recipient_key, recipient, record_id, status, dispatch_id, reconcile_status, error, created_at, updated_at)
		VALUES
		    (?,  ?,         ?,             ?,         ?,         ?,      ?,           ?,                ?,     NOW(),      NOW())
	`
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.ClientID, a.RecipientKey, a.Recipient, a.RecordID,
		a.Status.String(), a.DispatchID, a.ReconcileStatus.String(), truncateRunes(a.Error, maxErrorLen),
	)
	return err
}

func (r *AttemptsRepositoryImpl) MarkReconciled(ctx context.Context, id string, status model.ReconcileStatus) error {
	return r.BatchUpdateReconcileStatus(ctx, nil, []string{id}, status)
}

// BatchUpdateReconcileStatus updates many attempts with a single statement.
func (r *AttemptsRepositoryImpl) BatchUpdateReconcileStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.ReconcileStatus) error {
	if len(ids) == 0 {
		return nil
	}
	const base = `UPDATE dispatch_attempts SET reconcile_status = ?, updated_at = NOW() WHERE id IN (?)`
	query, args, err := sqlx.In(base, status.String(), ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// FlushReconcile writes a worker batch in one transaction.
func (r *AttemptsRepositoryImpl) FlushReconcile(ctx context.Context, done, failed []string) error {
	return r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := r.BatchUpdateReconcileStatus(ctx, tx, done, model.ReconcileDone); err != nil {
			return err
		}
		return r.BatchUpdateReconcileStatus(ctx, tx, failed, model.ReconcileFailed)
	})
}

func (r *AttemptsRepositoryImpl) GetByIDs(ctx context.Context, ids []string) ([]model.DispatchAttempt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, client_id, recipient_key, recipient, record_id, status, dispatch_id, reconcile_status, error, created_at, updated_at
		FROM dispatch_attempts
		WHERE id IN (?)
	`, ids)
	if err != nil {
		return nil, err
	}
	var rows []model.DispatchAttempt
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
