package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/donation-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, cfg Config) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(redis.NewFromClient("test:", client), cfg), mr
}

func TestAcquireProcessingLock(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "don-1")
	require.NoError(t, err)
	assert.Equal(t, "don-1", pc.Key)
	assert.False(t, pc.IsRetry)

	_, err = svc.AcquireProcessingLock(ctx, "don-1")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	require.NoError(t, svc.ReleaseLock(ctx, pc))
	pc2, err := svc.AcquireProcessingLock(ctx, "don-1")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseLock(ctx, pc2))
}

func TestMarkSuccess(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	pc, err := svc.AcquireProcessingLock(ctx, "don-2")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSuccess(ctx, pc))

	processed, err := svc.IsProcessed(ctx, "don-2")
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = svc.AcquireProcessingLock(ctx, "don-2")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	require.NoError(t, svc.Forget(ctx, "don-2"))
	_, err = svc.AcquireProcessingLock(ctx, "don-2")
	assert.NoError(t, err)
}

func TestMarkFailureCountsRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		pc, err := svc.AcquireProcessingLock(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, i, pc.RetryCount)
		require.NoError(t, svc.MarkFailure(ctx, pc, errors.New("smtp down")))
	}

	_, err := svc.AcquireProcessingLock(ctx, "job-1")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestReleaseLockKeepsForeignLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTTL = time.Second
	svc, mr := newTestService(t, cfg)
	ctx := context.Background()

	stale, err := svc.AcquireProcessingLock(ctx, "don-3")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := svc.AcquireProcessingLock(ctx, "don-3")
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseLock(ctx, stale))
	_, err = svc.AcquireProcessingLock(ctx, "don-3")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	require.NoError(t, svc.ReleaseLock(ctx, fresh))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AcquireProcessingLock(ctx, "don-4"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
