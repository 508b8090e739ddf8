// Package app builds the collaborators shared by the serve and worker commands.
package app

import (
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/channel"
	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/graph"
	"github.com/jmehdipour/quota-gateway/internal/quota"
	"github.com/jmehdipour/quota-gateway/internal/reconcile"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ledger bundles the Graph client and the token exchange that share its HTTP client.
type Ledger struct {
	Graph       *graph.Client
	Credentials *graph.CredentialProvider
}

func NewLedger(cfg config.GraphConfig, log *zap.Logger) (Ledger, error) {
	gc, err := graph.NewClient(cfg.BaseURL, cfg.Timeout,
		graph.WithPageSize(cfg.PageSize),
		graph.WithLogger(log.Named("graph")),
	)
	if err != nil {
		return Ledger{}, err
	}
	creds := graph.NewCredentialProvider(graph.PasswordGrant{
		TokenURL:     cfg.ResolvedTokenURL(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Scope:        cfg.Scope,
	}, gc.HTTPClient())
	return Ledger{Graph: gc, Credentials: creds}, nil
}

func NewChannel(cfg config.ChannelConfig) *channel.WhatsApp {
	return channel.NewWhatsApp(channel.Options{
		BaseURL:       cfg.BaseURL,
		APIVersion:    cfg.APIVersion,
		Timeout:       cfg.Timeout,
		RPS:           cfg.RPS,
		Burst:         cfg.Burst,
		FailThreshold: cfg.Breaker.FailThreshold,
		OpenFor:       time.Duration(cfg.Breaker.OpenForMs) * time.Millisecond,
	})
}

// NewSerialization picks the recipient lock and reservation book.
// rdb is required for quota.serialization=redis.
func NewSerialization(cfg config.QuotaConfig, rdb *redis.Client) (quota.Locker, quota.Book, error) {
	switch cfg.Serialization {
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("quota.serialization=redis needs a redis client")
		}
		return quota.NewRedisLocker(rdb, cfg.LockTTL), quota.NewRedisBook(rdb, cfg.ReservationTTL), nil
	default:
		return quota.NewLocalLocker(), quota.NewMemoryBook(), nil
	}
}

func NewApplier(cfg config.Config, l Ledger, locker quota.Locker, book quota.Book, journal reconcile.StatusJournal, log *zap.Logger) *reconcile.Applier {
	return reconcile.NewApplier(l.Graph, locker, book, reconcile.Options{
		MaxAttempts:    cfg.Reconcile.MaxAttempts,
		InitialBackoff: cfg.Reconcile.InitialBackoff,
		MaxBackoff:     cfg.Reconcile.MaxBackoff,
		AttemptTimeout: cfg.Reconcile.AttemptTimeout,
		LockWait:       cfg.Quota.LockWait,
		Journal:        journal,
		Logger:         log,
	})
}
