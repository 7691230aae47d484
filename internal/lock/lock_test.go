package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dredmonds/activity-stream/internal/kvstore/kvstoretest"
	"github.com/dredmonds/activity-stream/internal/lock"
)

func TestAcquireSucceedsImmediatelyWhenKeyIsFree(t *testing.T) {
	kv := kvstoretest.New()
	m := lock.New(kv, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.Acquire(ctx))
	assert.Equal(t, lock.Holding, m.State())
}

func TestAcquireBlocksWhileKeyIsHeldByAnotherProcess(t *testing.T) {
	kv := kvstoretest.New()
	_, err := kv.SetNXEX(context.Background(), "lock", 50*time.Millisecond)
	require.NoError(t, err)

	m := lock.New(kv, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, m.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, lock.Holding, m.State())
}

func TestAcquireReturnsContextErrorWhenCancelled(t *testing.T) {
	kv := kvstoretest.New()
	_, err := kv.SetNXEX(context.Background(), "lock", time.Hour)
	require.NoError(t, err)

	m := lock.New(kv, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = m.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshLoopReturnsErrLockLostWhenKeyDisappears(t *testing.T) {
	kv := kvstoretest.New()
	m := lock.New(kv, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx))

	// Simulate the key expiring out from under us before the next refresh.
	_, err := kv.Expire(context.Background(), "lock", -time.Second)
	require.NoError(t, err)

	err = m.RefreshLoop(ctx)
	assert.ErrorIs(t, err, lock.ErrLockLost)
	assert.Equal(t, lock.Lost, m.State())
}

func TestRefreshLoopStopsOnContextCancellationWhileHeld(t *testing.T) {
	kv := kvstoretest.New()
	m := lock.New(kv, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx))

	shortCtx, shortCancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer shortCancel()

	err := m.RefreshLoop(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, lock.Holding, m.State(), "cancellation must not report the lock as lost")
}
