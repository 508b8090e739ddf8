package repository

import (
	"context"

	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

// Journal writes dispatch attempts to MySQL and copies every new version of
// a touched row into the ClickHouse reporting table. MySQL is authoritative:
// a failed copy is logged and the call still succeeds.
type Journal struct {
	primary AttemptsRepository
	mirror  CHAttemptsWriter // nil: no reporting copy
	log     *zap.Logger
}

func NewJournal(primary AttemptsRepository, mirror CHAttemptsWriter, log *zap.Logger) *Journal {
	return &Journal{primary: primary, mirror: mirror, log: logger.OrNop(log).Named("journal")}
}

func (j *Journal) Record(ctx context.Context, a model.DispatchAttempt) error {
	if err := j.primary.Record(ctx, a); err != nil {
		return err
	}
	j.copy(ctx, []string{a.ID})
	return nil
}

func (j *Journal) MarkReconciled(ctx context.Context, id string, status model.ReconcileStatus) error {
	if err := j.primary.MarkReconciled(ctx, id, status); err != nil {
		return err
	}
	j.copy(ctx, []string{id})
	return nil
}

func (j *Journal) FlushReconcile(ctx context.Context, done, failed []string) error {
	if err := j.primary.FlushReconcile(ctx, done, failed); err != nil {
		return err
	}
	ids := make([]string, 0, len(done)+len(failed))
	ids = append(ids, done...)
	ids = append(ids, failed...)
	j.copy(ctx, ids)
	return nil
}

func (j *Journal) copy(ctx context.Context, ids []string) {
	if j.mirror == nil || len(ids) == 0 {
		return
	}
	rows, err := j.primary.GetByIDs(ctx, ids)
	if err == nil {
		err = j.mirror.Insert(ctx, rows)
	}
	if err != nil {
		j.log.Warn("reporting copy failed", zap.Int("rows", len(ids)), zap.Error(err))
	}
}
