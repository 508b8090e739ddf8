package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // default 50ms
	Async        bool
	// Completion is called by the async writer once a batch is acknowledged or failed.
	Completion func(msgs []Message, err error)
}

// Producer is a thin wrapper around segmentio/kafka-go Writer.
type Producer struct {
	w *kafka.Writer
}

func NewProducerFromConfig(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{}, // same key, same partition
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: bt,
		Async:        c.Async,
		Completion:   c.Completion,
	}
	return &Producer{w: w}
}

// Publish writes one keyed message. With Async it returns as soon as the
// message is buffered.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	return p.w.WriteMessages(ctx, Message{Key: key, Value: value})
}

func (p *Producer) Close() error { return p.w.Close() }
