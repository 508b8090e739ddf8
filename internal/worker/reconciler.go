package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/reconcile"
	"go.uber.org/zap"
)

// Source is the consumer side of the write-back topic.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type CredentialProvider interface {
	Acquire(ctx context.Context) (model.Credential, error)
}

// Applier runs one write-back, and settles one that cannot run so its
// reservation does not linger.
type Applier interface {
	Apply(ctx context.Context, cred model.Credential, req model.ReconciliationRequest) error
	Abandon(req model.ReconciliationRequest, cause error) error
}

// JournalBatch writes reconcile outcomes of one batch.
type JournalBatch interface {
	FlushReconcile(ctx context.Context, done, failed []string) error
}

// ReconcilerKafka:
// - fetches write-back requests from Kafka,
// - acquires a fresh credential and applies each one,
// - batches journal status updates.
type ReconcilerKafka struct {
	Source      Source
	Credentials CredentialProvider
	Applier     Applier
	Journal     JournalBatch // optional
	Log         *zap.Logger

	Workers   int
	BatchSize int
	BatchWait time.Duration
}

func NewReconcilerKafka(src Source, creds CredentialProvider, applier Applier, journal JournalBatch, log *zap.Logger) *ReconcilerKafka {
	return &ReconcilerKafka{
		Source:      src,
		Credentials: creds,
		Applier:     applier,
		Journal:     journal,
		Log:         logger.OrNop(log).Named("reconciler"),
		Workers:     8,
		BatchSize:   100,
		BatchWait:   300 * time.Millisecond,
	}
}

type updateItem struct {
	id     string
	status model.ReconcileStatus
}

// Run blocks until ctx is cancelled and in-flight work has flushed.
func (w *ReconcilerKafka) Run(ctx context.Context) error {
	if w.Source == nil || w.Credentials == nil || w.Applier == nil {
		return errors.New("reconciler: missing dependency")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 100
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}
	w.Log = logger.OrNop(w.Log)

	updates := make(chan updateItem, w.BatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(updates)
	}()

	msgCh := make(chan kafka.Message, w.Workers*2)
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{}, w.Workers)
	for i := 0; i < w.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for m := range msgCh {
				w.processOne(ctx, m, updates)
			}
		}()
	}
	for i := 0; i < w.Workers; i++ {
		<-done
	}
	close(updates)
	<-writerDone
	return nil
}

func (w *ReconcilerKafka) processOne(ctx context.Context, m kafka.Message, out chan<- updateItem) {
	req, err := reconcile.DecodeRequest(m.Value)
	if err != nil {
		w.Log.Error("poison write-back skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		w.commit(m)
		return
	}

	status := model.ReconcileDone
	cred, err := w.Credentials.Acquire(ctx)
	if err == nil {
		err = w.Applier.Apply(ctx, cred, req)
		if errors.Is(err, reconcile.ErrInterrupted) {
			return // shutting down; leave uncommitted for redelivery
		}
	} else if ctx.Err() != nil {
		return
	} else {
		// no credential, no PATCH; the request is not retried
		w.Log.Error("acquire credential failed", zap.String("attempt_id", req.AttemptID), zap.Error(err))
		_ = w.Applier.Abandon(req, err)
	}
	if err != nil {
		status = model.ReconcileFailed
	}

	out <- updateItem{id: req.AttemptID, status: status}
	w.commit(m)
}

// commit outlives ctx so a write-back settled during shutdown is not redelivered.
func (w *ReconcilerKafka) commit(m kafka.Message) {
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Source.Commit(cctx, m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

// runBatchWriter does size/time-based flushes of journal updates until in closes.
func (w *ReconcilerKafka) runBatchWriter(in <-chan updateItem) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var done, failed []string
	flush := func() {
		if len(done) == 0 && len(failed) == 0 {
			return
		}
		if w.Journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := w.Journal.FlushReconcile(ctx, done, failed)
			cancel()
			if err != nil {
				w.Log.Error("journal flush failed", zap.Int("done", len(done)), zap.Int("failed", len(failed)), zap.Error(err))
			} else {
				w.Log.Debug("journal flushed", zap.Int("done", len(done)), zap.Int("failed", len(failed)))
			}
		}
		done = done[:0]
		failed = failed[:0]
	}

	for {
		select {
		case u, ok := <-in:
			if !ok {
				flush()
				return
			}
			if u.status == model.ReconcileDone {
				done = append(done, u.id)
			} else {
				failed = append(failed, u.id)
			}
			if len(done)+len(failed) >= w.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
