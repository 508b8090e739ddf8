package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/graph"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"go.uber.org/zap"
)

var (
	// ErrExhausted is returned once every attempt of a write-back has failed.
	ErrExhausted = errors.New("ledger write-back failed")
	// ErrInterrupted is returned when the caller's context ends first. The
	// reservation and journal row are left alone so a redelivery can finish.
	ErrInterrupted = errors.New("ledger write-back interrupted")
)

// Ledger is the remote list as seen by the reconciler.
type Ledger interface {
	GetRecord(ctx context.Context, cred model.Credential, h model.ResourceHandle, recordID string) (model.LedgerRecord, error)
	UpdateConsumed(ctx context.Context, cred model.Credential, h model.ResourceHandle, recordID string, value int64, etag string) error
}

// StatusJournal records the final write-back status of an attempt.
type StatusJournal interface {
	MarkReconciled(ctx context.Context, attemptID string, status model.ReconcileStatus) error
}

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	LockWait       time.Duration
	Journal        StatusJournal // optional
	Logger         *zap.Logger
}

// Applier writes consumed+1 back to the ledger. It holds the recipient lock
// around the PATCH and the reservation release, so a concurrent evaluation
// never sees both the new remote count and the old reservation.
type Applier struct {
	ledger Ledger
	locker quota.Locker
	book   quota.Book
	opts   Options
	log    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewApplier(ledger Ledger, locker quota.Locker, book quota.Book, o Options) *Applier {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
	return &Applier{
		ledger: ledger,
		locker: locker,
		book:   book,
		opts:   o,
		log:    logger.OrNop(o.Logger).Named("reconcile"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply retries the write-back with capped exponential backoff. A 412 re-reads
// the record and retries with the fresh count plus one. Unless ctx ends first,
// the reservation taken at dispatch time is released whatever the outcome.
func (a *Applier) Apply(ctx context.Context, cred model.Credential, req model.ReconciliationRequest) error {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("reconcile").Observe(time.Since(start).Seconds())
	}()

	log := a.log.With(
		zap.String("attempt_id", req.AttemptID),
		zap.String("record_id", req.RecordID),
	)

	backoff := a.opts.InitialBackoff
	var lastErr error
	for n := 1; n <= a.opts.MaxAttempts; n++ {
		err := a.once(ctx, cred, &req)
		if err == nil {
			metrics.ReconcileTotal.WithLabelValues("applied").Inc()
			log.Debug("ledger updated", zap.Int("attempt", n), zap.Int64("consumed", req.NewConsumed))
			a.mark(req.AttemptID, model.ReconcileDone)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		if errors.Is(err, graph.ErrPreconditionFailed) {
			metrics.ReconcileTotal.WithLabelValues("conflict").Inc()
			log.Info("ledger record changed, retrying with fresh count",
				zap.Int("attempt", n), zap.Int64("consumed", req.NewConsumed))
			continue
		}
		if errors.Is(err, graph.ErrNotFound) {
			break
		}

		log.Warn("ledger update failed", zap.Int("attempt", n), zap.Error(err))
		if n == a.opts.MaxAttempts {
			break
		}
		metrics.ReconcileTotal.WithLabelValues("retried").Inc()
		if err := a.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
		if backoff > a.opts.MaxBackoff {
			backoff = a.opts.MaxBackoff
		}
	}

	if ctx.Err() != nil {
		metrics.ReconcileTotal.WithLabelValues("interrupted").Inc()
		log.Warn("ledger write-back interrupted", zap.Error(lastErr))
		return fmt.Errorf("%w: %s: %w", ErrInterrupted, req.RecordID, ctx.Err())
	}
	return a.Abandon(req, lastErr)
}

// Abandon settles a write-back that will not be applied: the reservation is
// released and the journal row marked failed. Releasing is per attempt, so
// abandoning a request twice is harmless.
func (a *Applier) Abandon(req model.ReconciliationRequest, cause error) error {
	metrics.ReconcileTotal.WithLabelValues("failed").Inc()
	log := a.log.With(zap.String("attempt_id", req.AttemptID), zap.String("record_id", req.RecordID))
	log.Error("ledger write-back abandoned", zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.AttemptTimeout)
	defer cancel()
	if err := a.book.Release(ctx, req.RecipientKey, req.AttemptID); err != nil {
		log.Warn("release reservation failed", zap.Error(err))
	}
	a.mark(req.AttemptID, model.ReconcileFailed)
	return fmt.Errorf("%w: %s: %w", ErrExhausted, req.RecordID, cause)
}

func (a *Applier) once(ctx context.Context, cred model.Credential, req *model.ReconciliationRequest) error {
	actx, cancel := context.WithTimeout(ctx, a.opts.AttemptTimeout)
	defer cancel()

	lctx, lcancel := context.WithTimeout(actx, a.opts.LockWait)
	release, err := a.locker.Acquire(lctx, req.RecipientKey)
	lcancel()
	if err != nil {
		return err
	}
	defer release()

	err = a.ledger.UpdateConsumed(actx, cred, req.Handle, req.RecordID, req.NewConsumed, req.ETag)
	if errors.Is(err, graph.ErrPreconditionFailed) {
		fresh, gerr := a.ledger.GetRecord(actx, cred, req.Handle, req.RecordID)
		if gerr != nil {
			return fmt.Errorf("re-read after conflict: %w", gerr)
		}
		req.BaseConsumed = fresh.ConsumedAllowance
		req.NewConsumed = fresh.ConsumedAllowance + 1
		req.ETag = fresh.ETag
		return err
	}
	if err != nil {
		return err
	}

	if err := a.book.Release(actx, req.RecipientKey, req.AttemptID); err != nil {
		a.log.Warn("release reservation failed", zap.String("attempt_id", req.AttemptID), zap.Error(err))
	}
	return nil
}

func (a *Applier) mark(attemptID string, status model.ReconcileStatus) {
	if a.opts.Journal == nil || attemptID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.AttemptTimeout)
	defer cancel()
	if err := a.opts.Journal.MarkReconciled(ctx, attemptID, status); err != nil {
		a.log.Warn("journal update failed", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}
