package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Book counts sends that were allowed but whose counter write-back has not
// landed on the remote ledger yet. Each reservation is named by its attempt
// id, so releasing the same attempt twice releases it once.
type Book interface {
	Pending(ctx context.Context, key string) (int64, error)
	Reserve(ctx context.Context, key, attemptID string) error
	Release(ctx context.Context, key, attemptID string) error
}

type MemoryBook struct {
	mu      sync.Mutex
	pending map[string]map[string]struct{}
}

func NewMemoryBook() *MemoryBook {
	return &MemoryBook{pending: make(map[string]map[string]struct{})}
}

func (b *MemoryBook) Pending(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.pending[key])), nil
}

func (b *MemoryBook) Reserve(_ context.Context, key, attemptID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.pending[key]
	if ids == nil {
		ids = make(map[string]struct{})
		b.pending[key] = ids
	}
	ids[attemptID] = struct{}{}
	return nil
}

func (b *MemoryBook) Release(_ context.Context, key, attemptID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.pending[key]
	delete(ids, attemptID)
	if len(ids) == 0 {
		delete(b.pending, key)
	}
	return nil
}

// RedisBook keeps reservations in Redis so the Kafka reconciler worker can
// release what the gateway reserved. Each recipient is a sorted set of
// attempt ids scored by expiry; entries older than ttl stop counting so a
// crashed worker cannot pin a recipient forever.
type RedisBook struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisBook(rdb *redis.Client, ttl time.Duration) *RedisBook {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBook{rdb: rdb, prefix: "qgw:pending:", ttl: ttl, now: time.Now}
}

var countReservations = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

func (b *RedisBook) Pending(ctx context.Context, key string) (int64, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	n, err := countReservations.Run(ctx, b.rdb, []string{b.prefix + key}, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis pending %s: %w", key, err)
	}
	return n, nil
}

func (b *RedisBook) Reserve(ctx context.Context, key, attemptID string) error {
	k := b.prefix + key
	expires := b.now().Add(b.ttl)
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(expires.UnixMilli()), Member: attemptID})
	pipe.PExpire(ctx, k, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis reserve %s: %w", key, err)
	}
	return nil
}

func (b *RedisBook) Release(ctx context.Context, key, attemptID string) error {
	if err := b.rdb.ZRem(ctx, b.prefix+key, attemptID).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
