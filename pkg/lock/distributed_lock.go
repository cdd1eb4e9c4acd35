// Package lock provides a Redis-backed distributed lock used to elect which
// gateway process runs a background job when several run against the same
// Redis. With a nil client the lock degrades to always-acquired so a
// single-instance deployment needs no Redis at all.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"deskgrid/pkg/logger"
)

const (
	defaultLockKey      = "deskgrid:jobs:global-lock"
	lockTTL             = 30 * time.Second // lock TTL, prevents deadlock on crash
	lockAcquireTimeout  = 5 * time.Second
	lockExtendInterval  = 10 * time.Second
	maxLockHoldDuration = 2 * time.Minute
)

// DistributedLock coordinates a mutually exclusive job across processes.
type DistributedLock interface {
	// TryLock attempts to acquire the lock without blocking on contention.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock.
	Unlock(ctx context.Context) error

	// IsHeld reports whether this instance currently holds the lock.
	IsHeld() bool
}

// RedisDistributedLock Redis implementation of DistributedLock
type RedisDistributedLock struct {
	client       *redis.Client
	lockKey      string
	lockValue    string // unique per instance, guards against releasing someone else's lock
	ttl          time.Duration
	isHeld       bool
	acquiredAt   time.Time
	stopRenew    chan struct{}
	renewStopped bool
	mu           sync.Mutex
}

// NewRedisDistributedLock creates a distributed lock on lockKey. An empty
// key selects the global jobs lock.
func NewRedisDistributedLock(client *redis.Client, lockKey string) *RedisDistributedLock {
	if lockKey == "" {
		lockKey = defaultLockKey
	}
	return &RedisDistributedLock{
		client:    client,
		lockKey:   lockKey,
		lockValue: fmt.Sprintf("%s-%d-%d", lockKey, time.Now().UnixNano(), randomInt()),
		ttl:       lockTTL,
		stopRenew: make(chan struct{}),
	}
}

// TryLock attempts to acquire the lock with SET NX and a TTL.
func (l *RedisDistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if acquired {
		l.mu.Lock()
		l.isHeld = true
		l.acquiredAt = time.Now()
		// A fresh channel per acquisition supports TryLock/Unlock cycles.
		l.stopRenew = make(chan struct{})
		l.renewStopped = false
		l.mu.Unlock()

		go l.renewLock(ctx)

		logger.DebugCtx(ctx, "lock acquired: key=%s", l.lockKey)
		return true, nil
	}

	logger.DebugCtx(ctx, "lock already held by another instance: key=%s", l.lockKey)
	return false, nil
}

// Unlock releases the lock. Only this instance's lock value is deleted.
func (l *RedisDistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld {
		l.mu.Unlock()
		return nil
	}

	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}

	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	luaScript := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, luaScript, []string{l.lockKey}, l.lockValue).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if result.(int64) == 1 {
		logger.DebugCtx(ctx, "lock released: key=%s", l.lockKey)
	} else {
		logger.WarnCtx(ctx, "lock was already released or held by another instance: key=%s", l.lockKey)
	}

	return nil
}

// IsHeld reports whether this instance holds the lock.
func (l *RedisDistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

// renewLock extends the lock TTL in the background until released, lost, or
// held past maxLockHoldDuration.
func (l *RedisDistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(lockExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			holdDuration := time.Since(l.acquiredAt)
			l.mu.Unlock()

			if holdDuration > maxLockHoldDuration {
				logger.WarnCtx(ctx, "lock held for too long (%.0f seconds), releasing claim: key=%s",
					holdDuration.Seconds(), l.lockKey)
				// Never call Unlock from the renewal goroutine; just drop
				// the claim and let the owner's deferred Unlock clean up.
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			// Extend only our own lock value.
			luaScript := `
				if redis.call("get", KEYS[1]) == ARGV[1] then
					return redis.call("expire", KEYS[1], ARGV[2])
				else
					return 0
				end
			`

			result, err := l.client.Eval(ctx, luaScript,
				[]string{l.lockKey},
				l.lockValue,
				int(l.ttl.Seconds())).Result()

			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock: %v", err)
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			if result.(int64) == 0 {
				logger.WarnCtx(ctx, "lock renewal failed, lock lost: key=%s", l.lockKey)
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			logger.DebugCtx(ctx, "lock renewed: key=%s", l.lockKey)
		}
	}
}

func randomInt() int64 {
	return time.Now().UnixNano() % 1000000
}
