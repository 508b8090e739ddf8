package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("reconcile queue full")
	ErrClosed    = errors.New("reconciler closed")
)

// Submitter hands a write-back off without blocking the caller.
type Submitter interface {
	Submit(cred model.Credential, req model.ReconciliationRequest) error
	Close(ctx context.Context) error
}

// ApplyFunc performs one write-back to completion.
type ApplyFunc func(ctx context.Context, cred model.Credential, req model.ReconciliationRequest) error

type job struct {
	cred model.Credential
	req  model.ReconciliationRequest
}

// Pool runs write-backs on a fixed set of goroutines fed by a bounded queue.
// Jobs run on the pool's own context, not the caller's.
type Pool struct {
	apply ApplyFunc
	queue chan job
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ Submitter = (*Pool)(nil)

func NewPool(apply ApplyFunc, workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		apply:  apply,
		queue:  make(chan job, queueSize),
		log:    logger.OrNop(log).Named("reconcile-pool"),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.queue {
		if err := p.apply(p.ctx, j.cred, j.req); err != nil {
			p.log.Debug("write-back failed", zap.String("attempt_id", j.req.AttemptID), zap.Error(err))
		}
	}
}

// Submit enqueues req or fails fast when the queue is full.
func (p *Pool) Submit(cred model.Credential, req model.ReconciliationRequest) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job{cred: cred, req: req}:
		return nil
	default:
		metrics.ReconcileTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops intake and drains queued jobs. If ctx expires first the
// in-flight jobs are cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
