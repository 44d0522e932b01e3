package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FireLock claims a single fire of a schedule so that only one scheduler
// instance dispatches it.
type FireLock interface {
	Acquire(ctx context.Context, scheduleID string, fireAt time.Time) (bool, error)
}

// RedisFireLock implements FireLock with SET NX on a per-fire key.
type RedisFireLock struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	owner  string
}

// RedisLockOption customizes a RedisFireLock.
type RedisLockOption func(*RedisFireLock)

// WithLockPrefix sets the key prefix.
func WithLockPrefix(prefix string) RedisLockOption {
	return func(l *RedisFireLock) { l.prefix = prefix }
}

// WithLockTTL sets how long a claimed fire key lives.
func WithLockTTL(ttl time.Duration) RedisLockOption {
	return func(l *RedisFireLock) { l.ttl = ttl }
}

// NewRedisFireLock creates a lock on client.
func NewRedisFireLock(client redis.Cmdable, opts ...RedisLockOption) *RedisFireLock {
	l := &RedisFireLock{
		client: client,
		prefix: "nodeflow:schedule:fire",
		ttl:    10 * time.Minute,
		owner:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire reports whether this instance claimed the fire.
func (l *RedisFireLock) Acquire(ctx context.Context, scheduleID string, fireAt time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(scheduleID, fireAt), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *RedisFireLock) key(scheduleID string, fireAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, scheduleID, fireAt.UTC().Unix())
}
