package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Message = kafka.Message

// Config configures a consumer group reader.
type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // default 1s
	MaxWait        time.Duration // default 50ms
	// A new group starts at the oldest message so no write-back published
	// before the first deploy of the worker is skipped.
	StartOffset int64 // default kafka.FirstOffset
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MinBytes <= 0 {
		c.MinBytes = 1 << 10
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 50 * time.Millisecond
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	return c
}

// Consumer reads a topic as part of a consumer group with explicit commits.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumerFromConfig(c Config) *Consumer {
	c = c.withDefaults()
	rc := kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: c.CommitInterval,
		MaxWait:        c.MaxWait,
		StartOffset:    c.StartOffset,
	}
	if c.Logger != nil {
		sugar := c.Logger.Named("kafka").Sugar()
		rc.ErrorLogger = kafka.LoggerFunc(sugar.Errorf)
	}
	return &Consumer{r: kafka.NewReader(rc)}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) { return c.r.FetchMessage(ctx) }

func (c *Consumer) Commit(ctx context.Context, m Message) error { return c.r.CommitMessages(ctx, m) }

// Lag is the reader's last known distance from the end of its partition.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
