package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
)

type fakeSweepRepo struct {
	pending []*model.Donation
	missing []*model.Donation
	err     error
}

func (f *fakeSweepRepo) ListPendingSideEffects(ctx context.Context, maxAttempts, limit int) ([]*model.Donation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pending, nil
}

func (f *fakeSweepRepo) ListMissingReceiptNumbers(ctx context.Context, limit int) ([]*model.Donation, int64, error) {
	return f.missing, int64(len(f.missing)), nil
}

type fakeSyncer struct {
	calls   int
	settled int
	minAge  time.Duration
}

func (f *fakeSyncer) SyncPendingWithGateway(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	f.calls++
	f.minAge = olderThan
	return f.settled, nil
}

func donations(ids ...string) []*model.Donation {
	out := make([]*model.Donation, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.Donation{ID: id, Status: model.DonationStatusCompleted})
	}
	return out
}

func sweepLocks(t *testing.T) *idempotency.Service {
	cfg := idempotency.DefaultConfig()
	cfg.MaxRetries = 0
	return idempotency.NewService(setupTestRedis(t), cfg)
}

func TestSweeper_RunOnce(t *testing.T) {
	adapter := setupTestRedis(t)
	repo := &fakeSweepRepo{
		pending: donations("don-1", "don-2", "don-3", "don-4"),
		missing: donations("don-9"),
	}
	runner := newFakeRunner()
	runner.errs["don-3"] = assert.AnError
	syncer := &fakeSyncer{settled: 2}

	cfg := idempotency.DefaultConfig()
	cfg.MaxRetries = 0
	s := NewSweeper(repo, runner, syncer, adapter, idempotency.NewService(adapter, cfg),
		SweepConfig{Concurrency: 2, GatewayMinAge: 30 * time.Second, ReceiptPrefix: "RCPT"})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Settled)
	assert.Equal(t, int64(3), report.Repaired)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, int64(1), report.MissingReceiptNumbers)
	assert.Equal(t, []string{"don-9"}, report.MissingReceiptIDs)
	assert.Equal(t, 30*time.Second, syncer.minAge)

	for _, id := range []string{"don-1", "don-2", "don-3", "don-4"} {
		assert.Equal(t, 1, runner.count(id), id)
	}

	// the lock is released for the next run
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, syncer.calls)
	assert.Equal(t, 2, runner.count("don-3"))
}

func TestSweeper_SkipsWhenAnotherSweepRuns(t *testing.T) {
	adapter := setupTestRedis(t)
	ok, err := adapter.SetNX(context.Background(), sweepLockKey, []byte("other"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	runner := newFakeRunner()
	s := NewSweeper(&fakeSweepRepo{pending: donations("don-1")}, runner, nil, adapter, nil, SweepConfig{})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, runner.count("don-1"))
}

func TestSweeper_SkipsBusyDonations(t *testing.T) {
	adapter := setupTestRedis(t)
	locks := sweepLocks(t)
	ctx := context.Background()
	pc, err := locks.AcquireProcessingLock(ctx, sideEffectKey("don-1"))
	require.NoError(t, err)
	defer locks.ReleaseLock(ctx, pc)

	runner := newFakeRunner()
	s := NewSweeper(&fakeSweepRepo{pending: donations("don-1", "don-2")}, runner, nil, adapter, locks, SweepConfig{})

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Repaired)
	assert.Equal(t, int64(0), report.Failed)
	assert.Equal(t, 0, runner.count("don-1"))
}

func TestSweeper_ReportsRepositoryErrors(t *testing.T) {
	adapter := setupTestRedis(t)
	boom := errors.New("db down")
	s := NewSweeper(&fakeSweepRepo{err: boom}, newFakeRunner(), nil, adapter, nil, SweepConfig{})

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)

	// a failed run still releases its lock
	exists, err := adapter.Exist(context.Background(), sweepLockKey)
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSweeper_Schedule(t *testing.T) {
	adapter := setupTestRedis(t)
	runner := newFakeRunner()
	s := NewSweeper(&fakeSweepRepo{pending: donations("don-1")}, runner, nil, adapter, nil,
		SweepConfig{Schedule: "@every 1s"})
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return runner.count("don-1") >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	bad := NewSweeper(&fakeSweepRepo{}, runner, nil, adapter, nil, SweepConfig{Schedule: "not a schedule"})
	assert.Error(t, bad.Start())
}
