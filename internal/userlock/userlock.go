// Package userlock serialises deposit and investment transitions for one
// user across workers.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLocked is returned when the lock is held by someone else.
var ErrLocked = errors.New("userlock: user is locked by another operation")

// Locker acquires a per-user lock. The returned release func is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, userID string) (release func(), err error)
}

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the part of a Redis client the lock uses. *redis.Client
// satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker is a single-instance Redis lock: SET NX PX plus a
// compare-and-delete release.
type RedisLocker struct {
	rdb   Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
	log   zerolog.Logger
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder
// blocks the user; wait is how long Lock keeps trying before ErrLocked.
func NewRedisLocker(rdb Client, ttl, wait time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		rdb:   rdb,
		ttl:   ttl,
		wait:  wait,
		retry: 100 * time.Millisecond,
		log:   log.With().Str("component", "userlock").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, userID string) (func(), error) {
	key := Key(userID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("userlock: acquire %s: %w", userID, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// Release on a fresh context so cancellation of the
					// operation does not leak the lock until ttl.
					rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					releaseScript.Run(rctx, l.rdb, []string{key}, token)
				})
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// release runs on a fresh context so cancellation of the operation does
// not leak the lock until ttl.
func (l *RedisLocker) release(userID, key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
	switch {
	case err != nil:
		l.log.Error().Err(err).Str("user_id", userID).Dur("ttl", l.ttl).
			Msg("lock release failed, user stays locked until ttl")
	case n == 0:
		l.log.Warn().Str("user_id", userID).Msg("lock expired before release")
	}
}

// Key is the Redis key holding a user's lock.
func Key(userID string) string { return "roundup:lock:user:" + userID }

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewMemoryLocker creates an in-process locker; wait bounds how long Lock
// blocks before returning ErrLocked.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{}), wait: wait}
}

func (l *MemoryLocker) slot(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[userID] = ch
	}
	return ch
}

func (l *MemoryLocker) Lock(ctx context.Context, userID string) (func(), error) {
	ch := l.slot(userID)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, ErrLocked
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
