package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/app"
	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Apply ledger write-backs published by serve (reconcile.mode=kafka)",
	RunE:  runReconciler,
}

func runReconciler(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Reconcile.Mode != "kafka" {
		return fmt.Errorf("reconciler worker needs reconcile.mode=kafka, got %q", cfg.Reconcile.Mode)
	}
	logger.Init(cfg.Log.Level)
	log := logger.Log
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	var mirror repository.CHAttemptsWriter
	if cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			log.Warn("clickhouse unavailable, reporting copy disabled", zap.Error(err))
		} else {
			defer chDB.Close()
			mirror = repository.NewCHAttemptsRepository(chDB)
		}
	}

	rdb, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	ledger, err := app.NewLedger(cfg.Graph, log)
	if err != nil {
		return fmt.Errorf("graph client: %w", err)
	}
	locker, book, err := app.NewSerialization(cfg.Quota, rdb)
	if err != nil {
		return err
	}
	// journal writes are batched by the worker
	applier := app.NewApplier(cfg, ledger, locker, book, nil, log)

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "quotagw"
	}
	groupID += "-reconciler"

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Reconcile.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		Logger:         log,
	})
	defer consumer.Close()

	w := worker.NewReconcilerKafka(consumer, ledger.Credentials, applier,
		repository.NewJournal(repository.NewAttemptsRepository(dbx), mirror, log), log)
	if cfg.Reconcile.Workers > 0 {
		w.Workers = cfg.Reconcile.Workers
	}
	if cfg.Reconcile.BatchSize > 0 {
		w.BatchSize = cfg.Reconcile.BatchSize
	}
	if cfg.Reconcile.BatchWait > 0 {
		w.BatchWait = cfg.Reconcile.BatchWait
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("reconciler started",
		zap.String("topic", cfg.Reconcile.Topic),
		zap.String("group", groupID),
		zap.Int("workers", w.Workers),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("batch_wait", w.BatchWait),
	)
	err = w.Run(ctx)
	log.Info("reconciler stopped", zap.Int64("lag", consumer.Lag()))
	return err
}
