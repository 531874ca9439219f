package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive access to a set of accounts. Implementations must acquire keys in a
// canonical order so overlapping requests cannot deadlock. The returned func releases every key.
type Locker interface {
	Lock(ctx context.Context, customerIDs ...string) (func(), error)
}

// canonicalKeys returns the distinct ids in ascending order.
func canonicalKeys(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serialises work per account inside one process. Entries are dropped once no
// goroutine holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, customerIDs ...string) (func(), error) {
	keys := canonicalKeys(customerIDs)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			k.release(held)
			return nil, err
		}
		k.acquire(key)
		held = append(held, key)
	}
	return func() { k.release(held) }, nil
}

func (k *KeyedMutex) acquire(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *KeyedMutex) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		k.mu.Lock()
		e := k.entries[keys[i]]
		e.refs--
		if e.refs == 0 {
			delete(k.entries, keys[i])
		}
		k.mu.Unlock()
		e.mu.Unlock()
	}
}

// RedisLocker serialises work per account across service instances using redsync. Held locks
// are extended in the background until released, so a slow operation keeps its exclusion.
type RedisLocker struct {
	redsync *redsync.Redsync
	prefix  string
	expiry  time.Duration
	logger  *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, expiry time.Duration, logger *slog.Logger) *RedisLocker {
	if expiry <= 0 {
		expiry = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		redsync: redsync.New(goredis.NewPool(client)),
		prefix:  prefix,
		expiry:  expiry,
		logger:  logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, customerIDs ...string) (func(), error) {
	keys := canonicalKeys(customerIDs)
	held := make([]*redsync.Mutex, 0, len(keys))

	for _, key := range keys {
		m := l.redsync.NewMutex(
			fmt.Sprintf("%s:lock:account:%s", l.prefix, key),
			redsync.WithExpiry(l.expiry),
			redsync.WithTries(64),
			redsync.WithRetryDelay(50*time.Millisecond),
		)
		if err := m.LockContext(ctx); err != nil {
			l.release(held)
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", key, err)
		}
		held = append(held, m)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(held, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(held)
		})
	}, nil
}

// keepAlive extends every held mutex at a third of the expiry until stop is closed.
func (l *RedisLocker) keepAlive(held []*redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, m := range held {
				extendCtx, cancel := context.WithTimeout(context.Background(), l.expiry/3)
				ok, err := m.ExtendContext(extendCtx)
				cancel()
				if !ok || err != nil {
					l.logger.Error("failed to extend account lock; exclusion may be lost", "key", m.Name(), "ok", ok, "err", err)
				}
			}
		}
	}
}

func (l *RedisLocker) release(held []*redsync.Mutex) {
	for i := len(held) - 1; i >= 0; i-- {
		// The request context may already be cancelled here.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if ok, err := held[i].UnlockContext(releaseCtx); !ok || err != nil {
			l.logger.Error("failed to release account lock", "key", held[i].Name(), "ok", ok, "err", err)
		}
		cancel()
	}
}
