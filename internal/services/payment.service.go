package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/prom"
)

type PaymentStatus string

const (
	PaymentCompleted           PaymentStatus = "completed"
	PaymentFailed              PaymentStatus = "failed"
	PaymentPendingManualReview PaymentStatus = "pending_manual_review"
)

type PaymentOutcome struct {
	Status        PaymentStatus   `json:"status"`
	Donation      *model.Donation `json:"donation"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func (o *PaymentOutcome) Success() bool { return o.Status == PaymentCompleted }

type PaymentConfig struct {
	GatewayTimeout time.Duration
	// CompletionAttempts bounds the completion transaction retries on
	// receipt sequence contention.
	CompletionAttempts int
	RetryBackoff       time.Duration
}

func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		GatewayTimeout:     15 * time.Second,
		CompletionAttempts: 3,
		RetryBackoff:       2 * time.Millisecond,
	}
}

// PaymentService drives a donation from pending to completed or failed.
type PaymentService struct {
	donations  DonationRepository
	receipts   ReceiptAllocator
	gateways   *gateway.Registry
	locks      *idempotency.Service
	dispatcher SideEffectDispatcher
	config     PaymentConfig
	now        func() time.Time
}

func NewPaymentService(donations DonationRepository, receipts ReceiptAllocator, gateways *gateway.Registry,
	locks *idempotency.Service, dispatcher SideEffectDispatcher, config PaymentConfig) *PaymentService {
	if config.CompletionAttempts <= 0 {
		config.CompletionAttempts = 3
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = 15 * time.Second
	}
	return &PaymentService{
		donations:  donations,
		receipts:   receipts,
		gateways:   gateways,
		locks:      locks,
		dispatcher: dispatcher,
		config:     config,
		now:        time.Now,
	}
}

var errAlreadyNumbered = errors.New("donation already has a receipt number")

func lockKey(donationID string) string { return "payment:" + donationID }

// lock serializes work on one donation across processes. A held lock or a
// processed marker means someone else already handles it. If redis is down
// the conditional status updates still keep transitions single.
func (s *PaymentService) lock(ctx context.Context, donationID string) (*idempotency.ProcessingContext, error) {
	if s.locks == nil {
		return nil, nil
	}
	pc, err := s.locks.AcquireProcessingLock(ctx, lockKey(donationID))
	switch {
	case err == nil:
		return pc, nil
	case errors.Is(err, idempotency.ErrAlreadyProcessed), err == idempotency.ErrLockAcquireFailed:
		return nil, ErrAlreadyProcessed
	default:
		logger.Warn("payment lock unavailable, relying on status guard", "donation_id", donationID, "error", err)
		return nil, nil
	}
}

func (s *PaymentService) unlock(ctx context.Context, pc *idempotency.ProcessingContext, terminal bool) {
	if s.locks == nil || pc == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if terminal {
		_ = s.locks.MarkSuccess(ctx, pc)
		return
	}
	_ = s.locks.ReleaseLock(ctx, pc)
}

func (s *PaymentService) load(ctx context.Context, donationID string) (*model.Donation, error) {
	d, err := s.donations.GetByID(ctx, donationID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("load donation: %w", err)
	}
	return d, nil
}

// ProcessPayment captures the donation through its channel's processor and
// records the outcome. Calling it again for a donation that is no longer
// pending returns ErrAlreadyProcessed and never charges twice.
func (s *PaymentService) ProcessPayment(ctx context.Context, donationID, token string) (*PaymentOutcome, error) {
	pc, err := s.lock(ctx, donationID)
	if err != nil {
		return nil, err
	}
	terminal := false
	defer func() { s.unlock(ctx, pc, terminal) }()

	d, err := s.load(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DonationStatusPending {
		terminal = true
		return nil, ErrAlreadyProcessed
	}
	if d.Channel != model.ChannelBankTransfer && token == "" {
		return nil, invalid("token", "a payment token is required for %s payments", d.Channel)
	}

	adapter, err := s.gateways.Get(d.Channel)
	if err != nil {
		return nil, invalid("channel", "%v", err)
	}

	if err := s.claimCapture(ctx, d.ID); err != nil {
		if errors.Is(err, errNotPending) {
			terminal = true
			return nil, ErrAlreadyProcessed
		}
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
	result, err := adapter.Capture(gctx, gateway.CaptureRequest{
		DonationID: d.ID,
		Token:      token,
		Amount:     d.GrossAmount,
		Currency:   d.Currency,
	})
	cancel()
	if err != nil {
		s.releaseCapture(ctx, d.ID)
		return nil, fmt.Errorf("capture: %w", err)
	}

	outcome, err := s.resolve(ctx, d, result)
	if err != nil {
		return nil, err
	}
	terminal = outcome.Status != PaymentPendingManualReview
	if !terminal {
		s.releaseCapture(ctx, d.ID)
	}
	return outcome, nil
}

var errNotPending = errors.New("donation no longer pending")

// claimCapture records in the donation row that a capture is in flight.
// It backs up the redis lock: with redis unreachable only the caller
// holding the claim reaches the processor. A claim older than twice the
// gateway timeout belongs to a caller that died mid-capture.
func (s *PaymentService) claimCapture(ctx context.Context, donationID string) error {
	now := s.now().UTC()
	claimed, err := s.donations.ClaimCapture(ctx, donationID, now, now.Add(-2*s.config.GatewayTimeout))
	switch {
	case errors.Is(err, repository.ErrNotPending):
		return errNotPending
	case err != nil:
		return fmt.Errorf("claim capture: %w", err)
	case !claimed:
		logger.Info("capture already in flight", "donation_id", donationID)
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *PaymentService) releaseCapture(ctx context.Context, donationID string) {
	if err := s.donations.ReleaseCapture(context.WithoutCancel(ctx), donationID); err != nil {
		logger.Warn("failed to release capture claim", "donation_id", donationID, "error", err)
	}
}

// resolve applies a processor result to a pending donation.
func (s *PaymentService) resolve(ctx context.Context, d *model.Donation, result gateway.PaymentResult) (*PaymentOutcome, error) {
	switch result.Outcome {
	case gateway.OutcomeSuccess:
		ext := result.ExternalTransactionID
		return s.complete(ctx, d.ID, &ext)

	case gateway.OutcomePendingManualReview:
		if result.ExternalTransactionID != "" {
			if err := s.donations.RecordExternalID(ctx, d.ID, result.ExternalTransactionID); err != nil {
				return nil, fmt.Errorf("record external id: %w", err)
			}
		}
		current, err := s.load(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		logger.Info("payment awaiting review", "donation_id", d.ID, "channel", d.Channel)
		return &PaymentOutcome{Status: PaymentPendingManualReview, Donation: current}, nil

	default:
		reason := result.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		if err := s.donations.MarkFailed(ctx, d.ID, reason); err != nil {
			if errors.Is(err, repository.ErrNotPending) {
				return nil, ErrAlreadyProcessed
			}
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		failed, err := s.load(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		logger.Info("payment failed", "donation_id", d.ID, "channel", d.Channel, "reason", reason)
		return &PaymentOutcome{Status: PaymentFailed, Donation: failed, FailureReason: reason}, nil
	}
}

// complete flips the donation to completed together with its receipt
// number. Sequence contention retries the whole transaction; once attempts
// run out the donation completes without a number, which the sweep reports
// for regeneration. The payment itself is never rolled back.
func (s *PaymentService) complete(ctx context.Context, donationID string, externalID *string) (*PaymentOutcome, error) {
	processedAt := s.now().UTC()
	completion := model.Completion{
		DonationID:            donationID,
		ExternalTransactionID: externalID,
		ProcessedAt:           processedAt,
	}

	numbered := false
	var lastErr error
	for attempt := 0; attempt < s.config.CompletionAttempts; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		lastErr = s.donations.WithinTransaction(ctx, func(ctx context.Context) error {
			number, err := s.receipts.Allocate(ctx, processedAt.Year())
			if err != nil {
				return err
			}
			c := completion
			c.ReceiptNumber = &number
			return s.donations.MarkCompleted(ctx, c)
		})
		if lastErr == nil {
			numbered = true
			break
		}
		if errors.Is(lastErr, repository.ErrNotPending) {
			return nil, ErrAlreadyProcessed
		}
		if !errors.Is(lastErr, repository.ErrSequenceContention) {
			return nil, fmt.Errorf("complete donation: %w", lastErr)
		}
		prom.IncSequenceContention()
		logger.Warn("receipt sequence contention", "donation_id", donationID, "attempt", attempt+1)
	}

	if !numbered {
		logger.Error("receipt numbering exhausted, completing without number", "donation_id", donationID, "error", lastErr)
		if err := s.donations.MarkCompleted(ctx, completion); err != nil {
			if errors.Is(err, repository.ErrNotPending) {
				return nil, ErrAlreadyProcessed
			}
			return nil, fmt.Errorf("complete donation: %w", err)
		}
	}

	d, err := s.load(ctx, donationID)
	if err != nil {
		return nil, err
	}
	logger.Info("payment completed", "donation_id", d.ID, "channel", d.Channel, "receipt_number", d.ReceiptNumber)

	s.dispatch(ctx, d.ID)
	return &PaymentOutcome{Status: PaymentCompleted, Donation: d}, nil
}

func (s *PaymentService) backoff(ctx context.Context, attempt int) error {
	delay := s.config.RetryBackoff * time.Duration(1<<uint(attempt))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *PaymentService) dispatch(ctx context.Context, donationID string) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, donationID); err != nil {
		logger.Warn("side effect dispatch failed, sweep will retry", "donation_id", donationID, "error", err)
	}
}

// VerifyManualPayment completes a pending bank transfer after staff matched
// the incoming money to its payment reference.
func (s *PaymentService) VerifyManualPayment(ctx context.Context, reference, verifiedBy string) (*PaymentOutcome, error) {
	if reference == "" {
		return nil, invalid("reference", "is required")
	}
	if verifiedBy == "" {
		return nil, invalid("verified_by", "is required")
	}

	d, err := s.donations.GetByPaymentReference(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("find by reference: %w", err)
	}
	if d.Channel != model.ChannelBankTransfer {
		return nil, invalid("reference", "donation %s is not a bank transfer", d.ID)
	}

	pc, err := s.lock(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	terminal := false
	defer func() { s.unlock(ctx, pc, terminal) }()

	if d, err = s.load(ctx, d.ID); err != nil {
		return nil, err
	}
	if d.Status != model.DonationStatusPending {
		terminal = true
		return nil, ErrAlreadyProcessed
	}

	logger.Info("bank transfer verified", "donation_id", d.ID, "reference", reference, "verified_by", verifiedBy)
	outcome, err := s.complete(ctx, d.ID, nil)
	if err != nil {
		return nil, err
	}
	terminal = true
	return outcome, nil
}

// SyncPendingWithGateway polls processors for donations parked in review
// and settles the ones that reached a final state. Donations whose
// processor could not be reached stay pending.
func (s *PaymentService) SyncPendingWithGateway(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	channels := s.gateways.Pollable()
	if len(channels) == 0 {
		return 0, nil
	}
	pending, err := s.donations.ListAwaitingGateway(ctx, channels, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list awaiting gateway: %w", err)
	}

	settled := 0
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		done, err := s.syncOne(ctx, d)
		if err != nil {
			logger.Warn("gateway sync failed", "donation_id", d.ID, "error", err)
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

func (s *PaymentService) syncOne(ctx context.Context, d *model.Donation) (bool, error) {
	adapter, err := s.gateways.Get(d.Channel)
	if err != nil {
		return false, err
	}

	pc, err := s.lock(ctx, d.ID)
	if err != nil {
		return false, nil
	}
	terminal := false
	defer func() { s.unlock(ctx, pc, terminal) }()

	gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
	result, err := adapter.Status(gctx, *d.ExternalTransactionID)
	cancel()
	if err != nil {
		return false, err
	}
	if result.Outcome == gateway.OutcomePendingManualReview || result.Unreachable {
		return false, nil
	}

	if _, err := s.resolve(ctx, d, result); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			terminal = true
			return false, nil
		}
		return false, err
	}
	terminal = true
	return true, nil
}

// AssignReceiptNumber gives a completed donation that missed its number a
// fresh one. Donations that already have a number keep it.
func (s *PaymentService) AssignReceiptNumber(ctx context.Context, donationID string) (string, error) {
	d, err := s.load(ctx, donationID)
	if err != nil {
		return "", err
	}
	if d.Status != model.DonationStatusCompleted {
		return "", ErrNotCompleted
	}
	if d.ReceiptNumber != nil {
		return *d.ReceiptNumber, nil
	}

	year := s.now().UTC().Year()
	if d.ProcessedAt != nil {
		year = d.ProcessedAt.UTC().Year()
	}

	var assigned string
	var lastErr error
	for attempt := 0; attempt < s.config.CompletionAttempts; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		lastErr = s.donations.WithinTransaction(ctx, func(ctx context.Context) error {
			number, err := s.receipts.Allocate(ctx, year)
			if err != nil {
				return err
			}
			ok, err := s.donations.SetReceiptNumber(ctx, donationID, number)
			if err != nil {
				return err
			}
			if !ok {
				return errAlreadyNumbered
			}
			assigned = number
			return nil
		})
		if lastErr == nil || errors.Is(lastErr, errAlreadyNumbered) {
			lastErr = nil
			break
		}
		if !errors.Is(lastErr, repository.ErrSequenceContention) {
			return "", fmt.Errorf("assign receipt number: %w", lastErr)
		}
		prom.IncSequenceContention()
	}
	if lastErr != nil {
		return "", lastErr
	}

	if assigned == "" {
		// someone else numbered it between our read and write
		current, err := s.load(ctx, donationID)
		if err != nil {
			return "", err
		}
		if current.ReceiptNumber == nil {
			return "", fmt.Errorf("donation %s has no receipt number after assignment", donationID)
		}
		return *current.ReceiptNumber, nil
	}

	logger.Info("receipt number regenerated", "donation_id", donationID, "receipt_number", assigned)
	s.dispatch(ctx, donationID)
	return assigned, nil
}
