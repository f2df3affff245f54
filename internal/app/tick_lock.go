package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTickLockKey = "netting:matching:tick"
	lockReleaseTimeout = 5 * time.Second
)

// releaseTickLockScript deletes the key only if it still holds our token, so an instance
// whose lock already expired cannot release a lock now held by another instance.
var releaseTickLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TickLock provides cross-process mutual exclusion around a matching tick.
// TryAcquire never blocks waiting for the lock: when another holder exists it returns
// acquired == false and the caller skips the tick.
type TickLock interface {
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
}

// NoopTickLock always grants the lock. Only safe for single-instance deployments.
type NoopTickLock struct{}

func (NoopTickLock) TryAcquire(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisTickLock is a SET NX PX lease with a token-checked release.
type RedisTickLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisTickLock(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *RedisTickLock {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultTickLockKey
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return &RedisTickLock{client: client, key: key, ttl: ttl, logger: logger}
}

func (l *RedisTickLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis tick lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if _, err := releaseTickLockScript.Run(releaseCtx, l.client, []string{l.key}, token).Result(); err != nil {
			l.logger.Warn("failed to release redis tick lock; it will expire", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}

// PostgresTickLock holds a session-level advisory lock on a dedicated pooled connection
// for the duration of the tick.
type PostgresTickLock struct {
	pool   *pgxpool.Pool
	lockID int64
	logger *slog.Logger
}

func NewPostgresTickLock(pool *pgxpool.Pool, key string, logger *slog.Logger) *PostgresTickLock {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultTickLockKey
	}
	return &PostgresTickLock{pool: pool, lockID: advisoryLockID(key), logger: logger}
}

func (l *PostgresTickLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("postgres tick lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("postgres tick lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(releaseCtx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
			// a session lock dies with its connection
			l.logger.Warn("failed to release postgres tick lock; closing connection", "error", err)
			_ = conn.Conn().Close(releaseCtx)
		}
		conn.Release()
	}
	return release, true, nil
}

func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
