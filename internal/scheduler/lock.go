package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker guards a job across replicas. TryLock never waits: it returns
// ErrJobRunning when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), err error)
}

// RedisLocker is a redsync-backed Locker
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
}

// NewRedisLocker creates a distributed job lock. expiry bounds how long a
// crashed holder can block other replicas.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	pool := goredis.NewPool(client)
	return &RedisLocker{
		rs:     redsync.New(pool),
		expiry: expiry,
		prefix: "threatpulse:job_lock:",
	}
}

// TryLock makes a single acquisition attempt
func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), error) {
	mutex := l.rs.NewMutex(l.prefix+name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrJobRunning
		}
		return nil, fmt.Errorf("acquire %s lock: %w", name, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(ctx)
	}, nil
}
