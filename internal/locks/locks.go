// Package locks provides try-once mutual exclusion across coordinator instances.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock
var ErrNotAcquired = errors.New("lock not acquired")

// ErrNotHeld is returned when releasing a lock that has expired or been taken over
var ErrNotHeld = errors.New("lock not held")

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks without blocking. ttl bounds how long a crashed
// holder can keep the lock where the backend supports expiry.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker implements Locker with SET NX and a per-acquisition token
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis backed locker. Keys are namespaced under prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire takes the lock if nobody holds it
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLock{client: l.client, key: fullKey, token: token}, nil
}

// Release deletes the key only if it still carries this lock's token
func (r *redisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// AdvisoryLocker implements Locker with PostgreSQL session advisory locks.
// Each held lock pins one pooled connection until released. ttl is ignored;
// the lock dies with the session.
type AdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker creates a PostgreSQL backed locker
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

type advisoryLock struct {
	conn *sql.Conn
	key  string
}

// TryAcquire takes the advisory lock for key if it is free
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for lock %s: %w", key, err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !locked {
		conn.Close()
		return nil, ErrNotAcquired
	}
	return &advisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool
func (a *advisoryLock) Release(ctx context.Context) error {
	defer a.conn.Close()

	var released bool
	if err := a.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, a.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", a.key, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
