package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/util"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("timed out waiting for recipient lock")

// Locker serializes work per recipient key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once nobody
// holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*lockEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ent, ok := l.entries[key]
	if !ok {
		ent = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = ent
	}
	ent.refs++
	l.mu.Unlock()

	select {
	case ent.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-ent.sem
				l.unref(key, ent)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, ent)
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

func (l *LocalLocker) unref(key string, ent *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent.refs--
	if ent.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by every gateway and worker process.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

type RedisLockerOption func(*RedisLocker)

func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func WithLockPoll(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.poll = d }
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, opts ...RedisLockerOption) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &RedisLocker{
		rdb:    rdb,
		prefix: "qgw:lock:",
		ttl:    ttl,
		poll:   25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := util.New()

	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// release must not depend on the caller's (possibly cancelled) context
					rctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = releaseScript.Run(rctx, l.rdb, []string{k}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-t.C:
		}
	}
}
