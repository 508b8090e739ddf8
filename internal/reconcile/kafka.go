package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

// AbandonFunc settles a write-back that will never reach the ledger.
type AbandonFunc func(req model.ReconciliationRequest, cause error) error

// Publisher is the Submitter used when write-backs run in the reconciler
// worker. The credential is not published; the worker acquires its own.
type Publisher struct {
	p       *kafka.Producer
	abandon AbandonFunc
	log     *zap.Logger
}

var _ Submitter = (*Publisher)(nil)

// NewPublisher writes asynchronously; batches the brokers reject are handed
// to abandon so their reservations and journal rows are settled.
func NewPublisher(brokers []string, topic string, abandon AbandonFunc, log *zap.Logger) *Publisher {
	pub := &Publisher{abandon: abandon, log: logger.OrNop(log).Named("reconcile-publisher")}
	pub.p = kafka.NewProducerFromConfig(kafka.ProducerConfig{
		Brokers:    brokers,
		Topic:      topic,
		Async:      true,
		Completion: pub.completed,
	})
	return pub
}

func (p *Publisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.ReconcileTotal.WithLabelValues("dropped").Add(float64(len(msgs)))
	p.log.Error("publish write-back failed", zap.Int("messages", len(msgs)), zap.Error(err))
	if p.abandon == nil {
		return
	}
	for _, m := range msgs {
		req, derr := DecodeRequest(m.Value)
		if derr != nil {
			p.log.Error("undecodable write-back in failed batch", zap.Error(derr))
			continue
		}
		_ = p.abandon(req, err)
	}
}

func (p *Publisher) Submit(_ model.Credential, req model.ReconciliationRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal write-back: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return p.p.Publish(ctx, []byte(req.RecipientKey), b)
}

func (p *Publisher) Close(context.Context) error { return p.p.Close() }

// DecodeRequest parses a published write-back.
func DecodeRequest(b []byte) (model.ReconciliationRequest, error) {
	var req model.ReconciliationRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("decode write-back: %w", err)
	}
	if req.AttemptID == "" || req.RecordID == "" || req.Handle.SiteID == "" || req.Handle.ListID == "" {
		return req, fmt.Errorf("decode write-back: incomplete request")
	}
	return req, nil
}
