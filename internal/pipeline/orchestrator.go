package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"github.com/jmehdipour/quota-gateway/internal/util"
	"go.uber.org/zap"
)

type CredentialProvider interface {
	Acquire(ctx context.Context) (model.Credential, error)
}

type Resolver interface {
	Resolve(ctx context.Context, cred model.Credential, siteURL, listName string) (model.ResourceHandle, error)
}

// PageOpener starts a lazy walk over the ledger list.
type PageOpener func(cred model.Credential, h model.ResourceHandle) quota.PageSource

// Reconciler accepts write-backs after a successful send.
type Reconciler interface {
	Submit(cred model.Credential, req model.ReconciliationRequest) error
}

// Journal persists dispatch attempts. Errors are logged, never returned.
type Journal interface {
	Record(ctx context.Context, a model.DispatchAttempt) error
	MarkReconciled(ctx context.Context, attemptID string, status model.ReconcileStatus) error
}

type Deps struct {
	Credentials CredentialProvider
	Resolver    Resolver
	Pages       PageOpener
	Sender      quota.Sender
	Locker      quota.Locker
	Book        quota.Book
	Reconciler  Reconciler
	Journal     Journal // optional
	Logger      *zap.Logger
}

type Settings struct {
	SiteURL         string
	ListName        string
	DuplicatePolicy quota.DuplicatePolicy
	LockWait        time.Duration
	MaxMessageLen   int // 0 = unlimited
}

// Orchestrator runs one dispatch request end to end. It keeps no state
// between runs; credential and handle live only inside Run.
type Orchestrator struct {
	d   Deps
	s   Settings
	log *zap.Logger
}

func New(d Deps, s Settings) *Orchestrator {
	if s.LockWait <= 0 {
		s.LockWait = 10 * time.Second
	}
	return &Orchestrator{d: d, s: s, log: logger.OrNop(d.Logger).Named("pipeline")}
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Run authenticates, resolves the list, evaluates the sender's quota under the
// recipient lock and, when allowed, sends and schedules the +1 write-back.
// A denied request is a successful run with Decision denied.
func (o *Orchestrator) Run(ctx context.Context, clientID int64, req model.DispatchRequest) (model.DispatchResult, error) {
	req = req.Normalize()
	if missing := req.Missing(); len(missing) > 0 {
		return model.DispatchResult{}, o.count(fail(KindInvalidRequest, "validate", errors.New("missing "+strings.Join(missing, ", "))))
	}
	if o.s.MaxMessageLen > 0 && len([]rune(req.MessageTemplate)) > o.s.MaxMessageLen {
		return model.DispatchResult{}, o.count(fail(KindInvalidRequest, "validate", errors.New("MessageTemplate too long")))
	}

	attemptID := util.New()
	key := req.From
	log := o.log.With(zap.String("attempt_id", attemptID), zap.String("recipient_key", key))

	start := time.Now()
	cred, err := o.d.Credentials.Acquire(ctx)
	observe("credential", start)
	if err != nil {
		return model.DispatchResult{}, o.count(fail(KindAuthFailure, "acquire credential", err))
	}

	start = time.Now()
	h, err := o.d.Resolver.Resolve(ctx, cred, o.s.SiteURL, o.s.ListName)
	observe("resolve", start)
	if err != nil {
		return model.DispatchResult{}, o.count(fail(KindResourceNotFound, "resolve list", err))
	}

	gate := quota.NewGate(o.d.Sender)
	rec, decision, err := o.evaluate(ctx, cred, h, key, attemptID, gate)
	if err != nil {
		return model.DispatchResult{}, o.count(err)
	}

	res := model.DispatchResult{
		AttemptID: attemptID,
		Decision:  decision,
		RecordID:  rec.RecordID,
		Consumed:  rec.ConsumedAllowance,
		Total:     rec.TotalAllowance,
	}
	attempt := model.DispatchAttempt{
		ID:              attemptID,
		ClientID:        clientID,
		RecipientKey:    key,
		Recipient:       req.To,
		RecordID:        rec.RecordID,
		ReconcileStatus: model.ReconcileNone,
	}

	if decision == model.DecisionDenied {
		metrics.DispatchTotal.WithLabelValues(string(model.AttemptDenied)).Inc()
		log.Info("dispatch denied", zap.Int64("consumed", rec.ConsumedAllowance), zap.Int64("total", rec.TotalAllowance))
		attempt.Status = model.AttemptDenied
		o.record(attempt)
		return res, nil
	}

	start = time.Now()
	out, err := gate.Dispatch(ctx, model.OutboundMessage{
		PhoneNumberID: req.PhoneNumberID,
		To:            req.To,
		Body:          req.MessageTemplate,
		Token:         req.Token,
	})
	observe("dispatch", start)
	if err != nil {
		o.unreserve(key, attemptID, log)
		metrics.DispatchTotal.WithLabelValues(string(model.AttemptFailed)).Inc()
		attempt.Status = model.AttemptFailed
		attempt.Error = err.Error()
		o.record(attempt)
		return model.DispatchResult{}, o.count(fail(KindChannelSendFailure, "send message", err))
	}

	res.DispatchID = out.DispatchID
	if out.DispatchID == "" {
		log.Warn("channel accepted the message without an id")
	}
	metrics.DispatchTotal.WithLabelValues(string(model.AttemptAllowed)).Inc()
	log.Info("dispatch sent", zap.String("dispatch_id", out.DispatchID), zap.String("record_id", rec.RecordID))

	attempt.Status = model.AttemptAllowed
	attempt.DispatchID = out.DispatchID
	attempt.ReconcileStatus = model.ReconcilePending
	o.record(attempt)

	wb := model.NewReconciliationRequest(attemptID, key, h, rec)
	if err := o.d.Reconciler.Submit(cred, wb); err != nil {
		// the send already happened; the caller still gets its result
		metrics.PipelineErrorsTotal.WithLabelValues(KindReconciliationFailure.String()).Inc()
		log.Error("write-back not scheduled", zap.Error(err))
		o.unreserve(key, attemptID, log)
		o.markReconciled(attemptID, model.ReconcileFailed)
	}
	return res, nil
}

// evaluate holds the recipient lock across fetch, gate resolution and
// reservation. The send itself happens after the lock is released.
func (o *Orchestrator) evaluate(ctx context.Context, cred model.Credential, h model.ResourceHandle, key, attemptID string, gate *quota.Gate) (model.LedgerRecord, model.Decision, error) {
	lctx, cancel := context.WithTimeout(ctx, o.s.LockWait)
	release, err := o.d.Locker.Acquire(lctx, key)
	cancel()
	if err != nil {
		return model.LedgerRecord{}, "", fail(KindSerializationFailure, "lock recipient", err)
	}
	defer release()

	start := time.Now()
	rec, err := quota.Scan(ctx, o.d.Pages(cred, h), key, o.s.DuplicatePolicy)
	observe("ledger", start)
	switch {
	case errors.Is(err, quota.ErrRecipientNotFound):
		return model.LedgerRecord{}, "", fail(KindRecipientNotFound, "evaluate quota", err)
	case errors.Is(err, quota.ErrAmbiguousRecipient):
		return model.LedgerRecord{}, "", fail(KindAmbiguousRecipient, "evaluate quota", err)
	case err != nil:
		return model.LedgerRecord{}, "", fail(KindFetchFailure, "fetch ledger", err)
	}

	pending, err := o.d.Book.Pending(ctx, key)
	if err != nil {
		return model.LedgerRecord{}, "", fail(KindSerializationFailure, "read reservations", err)
	}
	decision, err := gate.Resolve(rec, pending)
	if err != nil {
		return model.LedgerRecord{}, "", fail(KindSerializationFailure, "resolve gate", err)
	}
	if decision == model.DecisionAllowed {
		if err := o.d.Book.Reserve(ctx, key, attemptID); err != nil {
			return model.LedgerRecord{}, "", fail(KindSerializationFailure, "reserve", err)
		}
	}
	return rec, decision, nil
}

func (o *Orchestrator) count(err error) error {
	if k, ok := KindOf(err); ok {
		metrics.PipelineErrorsTotal.WithLabelValues(k.String()).Inc()
	}
	return err
}

func (o *Orchestrator) unreserve(key, attemptID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.d.Book.Release(ctx, key, attemptID); err != nil {
		log.Warn("release reservation failed", zap.Error(err))
	}
}

func (o *Orchestrator) record(a model.DispatchAttempt) {
	if o.d.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.d.Journal.Record(ctx, a); err != nil {
		o.log.Warn("journal record failed", zap.String("attempt_id", a.ID), zap.Error(err))
	}
}

func (o *Orchestrator) markReconciled(id string, s model.ReconcileStatus) {
	if o.d.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.d.Journal.MarkReconciled(ctx, id, s); err != nil {
		o.log.Warn("journal update failed", zap.String("attempt_id", id), zap.Error(err))
	}
}
