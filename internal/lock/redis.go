// Package lock provides mutual exclusion per (entity type, entity id)
// pair backed by Redis. Acquire never blocks: callers get a conflict
// error and implement their own wait/retry. Locks expire on their own if
// the holder crashes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/metrics"
)

// ErrLockHeld signals that another holder currently owns the lock.
var ErrLockHeld = errors.New("lock already held")

// ErrNotHeld signals a release with a token that no longer owns the
// lock, typically because the lock expired and was re-acquired.
var ErrNotHeld = errors.New("lock not held by this token")

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator issues and releases distributed locks.
type Coordinator struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCoordinator creates a coordinator over an existing Redis client.
func NewCoordinator(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Coordinator {
	if ttl == 0 {
		ttl = 3 * time.Minute
	}
	return &Coordinator{client: client, ttl: ttl, logger: logger}
}

// Connect dials Redis and verifies connectivity before returning a
// coordinator.
func Connect(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewCoordinator(client, ttl, logger), nil
}

func lockKey(entityType, entityID string) string {
	return fmt.Sprintf("lock:%s:%s", entityType, entityID)
}

// Acquire takes the lock for the given entity, returning an opaque token
// the holder must present on release. Returns ErrLockHeld when another
// holder owns it.
func (c *Coordinator) Acquire(ctx context.Context, entityType, entityID string) (string, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockKey(entityType, entityID), token, c.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		metrics.LockConflicts.WithLabelValues(entityType).Inc()
		return "", fmt.Errorf("%w: %s %s", ErrLockHeld, entityType, entityID)
	}
	metrics.LockAcquisitions.WithLabelValues(entityType).Inc()
	return token, nil
}

// Release gives the lock back. Releasing with a stale token returns
// ErrNotHeld; the lock has already moved on and must not be deleted.
func (c *Coordinator) Release(ctx context.Context, entityType, entityID, token string) error {
	deleted, err := releaseScript.Run(ctx, c.client, []string{lockKey(entityType, entityID)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if deleted == 0 {
		c.logger.Warn("Released lock no longer held, likely expired",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
		)
		return fmt.Errorf("%w: %s %s", ErrNotHeld, entityType, entityID)
	}
	return nil
}

// Client exposes the underlying Redis client for health checks.
func (c *Coordinator) Client() *redis.Client {
	return c.client
}

// Close shuts down the underlying Redis client.
func (c *Coordinator) Close() error {
	return c.client.Close()
}
