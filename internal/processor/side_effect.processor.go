package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/queue"
	"github.com/nimasrn/donation-engine/internal/services"
	"github.com/nimasrn/donation-engine/pkg/logger"
)

const JobTypeSideEffects = "side_effects"

var errDonationBusy = errors.New("donation side effects are running elsewhere")

// Runner executes the pending side effects of one completed donation.
type Runner interface {
	Run(ctx context.Context, donationID string) error
}

// SideEffectProcessor runs queued side effect jobs. A per-donation redis
// lock keeps the queue consumers and the sweep from working on the same
// donation at once.
type SideEffectProcessor struct {
	runner Runner
	locks  *idempotency.Service
}

func NewSideEffectProcessor(runner Runner, locks *idempotency.Service) *SideEffectProcessor {
	return &SideEffectProcessor{runner: runner, locks: locks}
}

func (p *SideEffectProcessor) GetType() string { return JobTypeSideEffects }

func (p *SideEffectProcessor) Process(ctx context.Context, msg *queue.Message) error {
	if t := msg.Metadata["type"]; t != "" && t != JobTypeSideEffects {
		logger.Warn("unexpected job type, acking", "id", msg.ID, "type", t)
		return nil
	}

	var job services.SideEffectJob
	if err := json.Unmarshal(msg.Data, &job); err != nil || job.DonationID == "" {
		// malformed payloads never succeed on redelivery
		logger.Error("dropping malformed side effect job", "id", msg.ID, "error", err)
		return nil
	}

	err := guardedRun(ctx, p.locks, p.runner, job.DonationID)
	switch {
	case errors.Is(err, services.ErrNotCompleted), errors.Is(err, services.ErrDonationNotFound):
		logger.Warn("side effect job for a donation that is not completed", "donation_id", job.DonationID, "error", err)
		return nil
	case errors.Is(err, idempotency.ErrMaxRetriesExceeded):
		logger.Warn("side effect retries exhausted on the queue, leaving it to the sweep", "donation_id", job.DonationID)
		return nil
	}
	return err
}

func sideEffectKey(donationID string) string { return "side-effects:" + donationID }

// guardedRun runs side effects under the donation's lock. A lock held
// elsewhere surfaces as errDonationBusy. The retry counter is cleared on
// success so later dispatches for the same donation, such as a regenerated
// receipt number, run again.
func guardedRun(ctx context.Context, locks *idempotency.Service, runner Runner, donationID string) error {
	if locks == nil {
		return runner.Run(ctx, donationID)
	}

	key := sideEffectKey(donationID)
	pc, err := locks.AcquireProcessingLock(ctx, key)
	switch {
	case err == idempotency.ErrLockAcquireFailed:
		return errDonationBusy
	case errors.Is(err, idempotency.ErrMaxRetriesExceeded):
		return err
	case err != nil:
		logger.Warn("side effect lock unavailable, running unguarded", "donation_id", donationID, "error", err)
		return runner.Run(ctx, donationID)
	}

	if runErr := runner.Run(ctx, donationID); runErr != nil {
		_ = locks.MarkFailure(ctx, pc, runErr)
		return fmt.Errorf("side effects for %s: %w", donationID, runErr)
	}

	if err := locks.Forget(ctx, key); err != nil {
		logger.Warn("failed to clear side effect lock", "donation_id", donationID, "error", err)
	}
	return nil
}
