package cmd

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
	httpSrv "github.com/jmehdipour/quota-gateway/internal/http"
	"github.com/jmehdipour/quota-gateway/internal/logger"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/pipeline"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"github.com/jmehdipour/quota-gateway/internal/reconcile"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		log := logger.Log
		defer func() { _ = log.Sync() }()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		var redisClient *redis.Client
		if cfg.Quota.Serialization == "redis" || cfg.RateLimit.RPS > 0 {
			redisClient, err = db.NewRedisClient(cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = redisClient.Close() }()
		}

		var (
			reports repository.CHAttemptsRepository
			mirror  repository.CHAttemptsWriter
		)
		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
			if err != nil {
				log.Warn("clickhouse unavailable, reports disabled", zap.Error(err))
			} else {
				defer func() { _ = chDB.Close() }()
				ch := repository.NewCHAttemptsRepository(chDB)
				reports, mirror = ch, ch
			}
		}

		ledger, err := app.NewLedger(cfg.Graph, log)
		if err != nil {
			return fmt.Errorf("graph client: %w", err)
		}
		wa := app.NewChannel(cfg.Channel)

		locker, book, err := app.NewSerialization(cfg.Quota, redisClient)
		if err != nil {
			return err
		}

		journal := repository.NewJournal(repository.NewAttemptsRepository(mysqlDB), mirror, log)
		applier := app.NewApplier(cfg, ledger, locker, book, journal, log)

		var reconciler reconcile.Submitter
		switch cfg.Reconcile.Mode {
		case "kafka":
			reconciler = reconcile.NewPublisher(cfg.Kafka.Brokers, cfg.Reconcile.Topic, applier.Abandon, log)
		default:
			reconciler = reconcile.NewPool(applier.Apply, cfg.Reconcile.Workers, cfg.Reconcile.QueueSize, log)
		}

		policy, _ := quota.ParseDuplicatePolicy(cfg.Quota.DuplicatePolicy)
		pipe := pipeline.New(pipeline.Deps{
			Credentials: ledger.Credentials,
			Resolver:    ledger.Graph,
			Pages: func(c model.Credential, h model.ResourceHandle) quota.PageSource {
				return ledger.Graph.Pages(c, h)
			},
			Sender:     wa,
			Locker:     locker,
			Book:       book,
			Reconciler: reconciler,
			Journal:    journal,
			Logger:     log,
		}, pipeline.Settings{
			SiteURL:         cfg.Graph.SiteURL,
			ListName:        cfg.Graph.ListName,
			DuplicatePolicy: policy,
			LockWait:        cfg.Quota.LockWait,
			MaxMessageLen:   cfg.HTTP.MaxMessageLength,
		})

		server := httpSrv.NewServer(httpSrv.Deps{
			Config:   cfg,
			Pipeline: pipe,
			Clients:  repository.NewAPIClientsRepository(mysqlDB),
			Reports:  reports,
			Redis:    redisClient,
			Receipts: wa,
			Logger:   log,
		})

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr), zap.String("reconcile_mode", cfg.Reconcile.Mode))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		// pending write-backs get their own window after HTTP has drained
		rctx, rcancel := context.WithTimeout(context.Background(), cfg.Reconcile.MaxBackoff+cfg.Reconcile.AttemptTimeout)
		defer rcancel()
		if err := reconciler.Close(rctx); err != nil {
			log.Warn("reconciler close", zap.Error(err))
		}
		return nil
	},
}
