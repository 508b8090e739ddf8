package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings. Redis backs the rate limiter and, with
// quota.serialization=redis, the recipient locks and reservations.
func NewRedisClient(c config.RedisConfig) (*redis.Client, error) {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.Addr, err)
	}
	return rdb, nil
}
