package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/prom"
	"github.com/nimasrn/donation-engine/pkg/redis"
)

const sweepLockKey = "sweep:lock"

type SweepRepository interface {
	ListPendingSideEffects(ctx context.Context, maxAttempts, limit int) ([]*model.Donation, error)
	ListMissingReceiptNumbers(ctx context.Context, limit int) ([]*model.Donation, int64, error)
}

// GatewaySyncer settles card and wallet donations left pending by a lost
// gateway response.
type GatewaySyncer interface {
	SyncPendingWithGateway(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type SweepConfig struct {
	Schedule      string
	BatchSize     int
	Concurrency   int
	MaxAttempts   int
	GatewayMinAge time.Duration
	LockTTL       time.Duration
	ReceiptPrefix string
}

func SweepConfigFrom(c *config.Config) SweepConfig {
	return SweepConfig{
		Schedule:      c.SweepSchedule,
		BatchSize:     c.SweepBatchSize,
		Concurrency:   c.SweepConcurrency,
		MaxAttempts:   c.SweepMaxAttempts,
		GatewayMinAge: 2 * c.GatewayTimeout,
		ReceiptPrefix: c.ReceiptPrefix,
	}
}

type SweepReport struct {
	Skipped               bool
	Settled               int
	Repaired              int64
	Failed                int64
	MissingReceiptNumbers int64
	MissingReceiptIDs     []string
}

// Sweeper is the periodic safety net. One run settles stale gateway
// payments, re-runs side effects of completed donations that still owe
// some, and reports completed donations without a receipt number. A redis
// lock keeps concurrent instances from sweeping together.
type Sweeper struct {
	donations SweepRepository
	runner    Runner
	syncer    GatewaySyncer
	redis     redis.RedisAdapter
	locks     *idempotency.Service
	config    SweepConfig
	cron      *cron.Cron
}

// NewSweeper takes the per-donation lock service. It should be built
// without a retry cap, since the sweep bounds attempts with the stored
// side effect counter instead.
func NewSweeper(donations SweepRepository, runner Runner, syncer GatewaySyncer, adapter redis.RedisAdapter,
	locks *idempotency.Service, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Sweeper{
		donations: donations,
		runner:    runner,
		syncer:    syncer,
		redis:     adapter,
		locks:     locks,
		config:    cfg,
		cron:      cron.New(),
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("sweeper started", "schedule", s.config.Schedule)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("sweeper stopped")
}

func (s *Sweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, sweepLockKey, token, s.config.LockTTL)
	if err != nil {
		prom.IncSweepRun("error")
		return nil, err
	}
	if !acquired {
		logger.Debug("sweep already running elsewhere, skipping")
		prom.IncSweepRun("skipped")
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if _, err := s.redis.CompareAndDelete(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	var errs []error
	if s.syncer != nil {
		settled, err := s.syncer.SyncPendingWithGateway(ctx, s.config.GatewayMinAge, s.config.BatchSize)
		report.Settled = settled
		prom.AddSweepFixed("gateway_settled", settled)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.repairSideEffects(ctx, report); err != nil {
		errs = append(errs, err)
	}

	if err := s.checkReceiptNumbers(ctx, report); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	if err != nil {
		prom.IncSweepRun("error")
	} else {
		prom.IncSweepRun("ok")
	}
	logger.Info("sweep finished",
		"settled", report.Settled,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"missing_receipt_numbers", report.MissingReceiptNumbers)
	return report, err
}

func (s *Sweeper) repairSideEffects(ctx context.Context, report *SweepReport) error {
	pending, err := s.donations.ListPendingSideEffects(ctx, s.config.MaxAttempts, s.config.BatchSize)
	if err != nil {
		return err
	}
	prom.SetSideEffectsPending("any", int64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	var repaired, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, d := range pending {
		id := d.ID
		g.Go(func() error {
			err := guardedRun(gctx, s.locks, s.runner, id)
			switch {
			case err == nil:
				repaired.Add(1)
			case errors.Is(err, errDonationBusy):
			default:
				failed.Add(1)
				logger.Warn("sweep could not finish side effects", "donation_id", id, "error", err)
			}
			// one donation's failure must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	report.Repaired = repaired.Load()
	report.Failed = failed.Load()
	prom.AddSweepFixed("side_effects", int(report.Repaired))
	return nil
}

func (s *Sweeper) checkReceiptNumbers(ctx context.Context, report *SweepReport) error {
	missing, total, err := s.donations.ListMissingReceiptNumbers(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}
	report.MissingReceiptNumbers = total
	for _, d := range missing {
		report.MissingReceiptIDs = append(report.MissingReceiptIDs, d.ID)
	}
	prom.SetMissingReceiptNumbers(s.config.ReceiptPrefix, total)
	if total > 0 {
		logger.Warn("completed donations without a receipt number", "count", total, "donation_ids", report.MissingReceiptIDs)
	}
	return nil
}
