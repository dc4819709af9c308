package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewCoordinator(client, time.Minute, zap.NewNop()), mr
}

func TestAcquireRelease(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	token, err := c.Acquire(ctx, "schedule_plan", "plan-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, c.Release(ctx, "schedule_plan", "plan-1", token))

	// Released lock is acquirable again.
	token2, err := c.Acquire(ctx, "schedule_plan", "plan-1")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestAcquireConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "schedule_plan", "plan-1")
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "schedule_plan", "plan-1")
	assert.True(t, errors.Is(err, ErrLockHeld))
}

func TestLocksAreScopedPerEntity(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "schedule_plan", "plan-1")
	require.NoError(t, err)

	// Different id and different entity type are independent locks.
	_, err = c.Acquire(ctx, "schedule_plan", "plan-2")
	assert.NoError(t, err)
	_, err = c.Acquire(ctx, "participant", "plan-1")
	assert.NoError(t, err)
}

func TestReleaseStaleToken(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	token, err := c.Acquire(ctx, "participant", "hc-1")
	require.NoError(t, err)

	// TTL expiry hands the lock to another holder.
	mr.FastForward(2 * time.Minute)
	_, err = c.Acquire(ctx, "participant", "hc-1")
	require.NoError(t, err)

	err = c.Release(ctx, "participant", "hc-1", token)
	assert.True(t, errors.Is(err, ErrNotHeld))

	// The new holder's lock survived the stale release.
	_, err = c.Acquire(ctx, "participant", "hc-1")
	assert.True(t, errors.Is(err, ErrLockHeld))
}

func TestLockExpiresOnItsOwn(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "schedule_plan", "plan-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = c.Acquire(ctx, "schedule_plan", "plan-1")
	assert.NoError(t, err, "a crashed holder's lock must expire")
}
