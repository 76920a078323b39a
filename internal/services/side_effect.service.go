package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/notification"
	"github.com/nimasrn/donation-engine/internal/queue"
	"github.com/nimasrn/donation-engine/internal/receipt"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/prom"
)

const (
	StepReceipt      = "receipt"
	StepLedger       = "ledger"
	StepNotification = "notification"
)

// SideEffectService runs the post-payment work for a completed donation:
// receipt document, ledger credit and notifications. Each step is guarded
// by its own durable flag, so a run only does what earlier runs left
// undone.
type SideEffectService struct {
	donations DonationRepository
	students  StudentRepository
	items     WishlistRepository
	donors    DonorRepository
	ledger    *LedgerService
	renderer  ReceiptRenderer
	blobs     BlobStore
	mailer    Mailer
}

func NewSideEffectService(donations DonationRepository, students StudentRepository, items WishlistRepository, donors DonorRepository,
	ledger *LedgerService, renderer ReceiptRenderer, blobs BlobStore, mailer Mailer) *SideEffectService {
	return &SideEffectService{
		donations: donations,
		students:  students,
		items:     items,
		donors:    donors,
		ledger:    ledger,
		renderer:  renderer,
		blobs:     blobs,
		mailer:    mailer,
	}
}

type giftContext struct {
	donation *model.Donation
	student  *model.Student
	donor    *model.Donor
	item     *model.WishlistItem
}

func (s *SideEffectService) Run(ctx context.Context, donationID string) error {
	d, err := s.donations.GetByID(ctx, donationID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return ErrDonationNotFound
		}
		return err
	}
	if d.Status != model.DonationStatusCompleted {
		return ErrNotCompleted
	}
	if !d.HasPendingSideEffects() {
		return nil
	}

	gc, err := s.loadContext(ctx, d)
	if err != nil {
		return s.finish(ctx, d.ID, fmt.Errorf("load parties: %w", err))
	}

	var errs []error
	var pdf []byte

	if d.ReceiptNumber != nil && !d.ReceiptIssued {
		// a donor thanked before numbering succeeded gets the receipt separately
		pdf, err = s.issueReceipt(ctx, gc, d.Notified && !d.ReceiptMailed)
		if err != nil {
			prom.IncSideEffectFailure(StepReceipt)
			errs = append(errs, fmt.Errorf("receipt: %w", err))
		}
	}

	if !d.LedgerApplied {
		if _, err := s.ledger.ApplyCompletedDonation(ctx, d.ID); err != nil {
			prom.IncSideEffectFailure(StepLedger)
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}

	if !d.Notified {
		if pdf == nil && d.ReceiptNumber != nil {
			// attach the receipt even when an earlier run already uploaded it
			pdf, err = s.renderer.Render(s.receiptData(gc))
			if err != nil {
				logger.Warn("receipt render failed, mailing without attachment",
					"donation_id", d.ID, "receipt_number", *d.ReceiptNumber, "error", err)
				pdf = nil
			}
		}
		if err := s.notify(ctx, gc, pdf); err != nil {
			prom.IncSideEffectFailure(StepNotification)
			errs = append(errs, fmt.Errorf("notification: %w", err))
		}
	}

	return s.finish(ctx, d.ID, errors.Join(errs...))
}

// finish records the run on the donation and returns runErr.
func (s *SideEffectService) finish(ctx context.Context, donationID string, runErr error) error {
	var lastErr *string
	if runErr != nil {
		msg := runErr.Error()
		lastErr = &msg
		logger.Warn("side effects incomplete", "donation_id", donationID, "error", msg)
	}
	if err := s.donations.RecordSideEffectRun(ctx, donationID, lastErr); err != nil {
		logger.Error("record side effect run failed", "donation_id", donationID, "error", err)
	}
	return runErr
}

func (s *SideEffectService) loadContext(ctx context.Context, d *model.Donation) (*giftContext, error) {
	gc := &giftContext{donation: d}

	student, err := s.students.GetByID(ctx, d.StudentID)
	if err != nil {
		return nil, fmt.Errorf("student %s: %w", d.StudentID, err)
	}
	gc.student = student

	if d.DonorID != nil {
		donor, err := s.donors.GetByID(ctx, *d.DonorID)
		if err != nil {
			return nil, fmt.Errorf("donor %s: %w", *d.DonorID, err)
		}
		gc.donor = donor
	}
	if d.WishlistItemID != nil {
		item, err := s.items.GetByID(ctx, *d.WishlistItemID)
		if err != nil {
			return nil, fmt.Errorf("wishlist item %s: %w", *d.WishlistItemID, err)
		}
		gc.item = item
	}
	return gc, nil
}

func (s *SideEffectService) receiptData(gc *giftContext) receipt.Data {
	d := gc.donation
	data := receipt.Data{
		DonationID:  d.ID,
		StudentName: gc.student.Name,
		Gross:       d.GrossAmount,
		Fee:         d.FeeAmount,
		Net:         d.NetAmount,
		Currency:    d.Currency,
		Channel:     string(d.Channel),
		IssuedAt:    time.Now().UTC(),
	}
	if d.ReceiptNumber != nil {
		data.Number = *d.ReceiptNumber
	}
	if d.ProcessedAt != nil {
		data.IssuedAt = d.ProcessedAt.UTC()
	}
	if d.ExternalTransactionID != nil {
		data.TransactionID = *d.ExternalTransactionID
	}
	if gc.donor != nil {
		data.DonorName = gc.donor.Name
		data.DonorEmail = gc.donor.Email
	}
	if gc.item != nil {
		data.ItemTitle = gc.item.Title
	}
	return data
}

func (s *SideEffectService) issueReceipt(ctx context.Context, gc *giftContext, mailDonor bool) ([]byte, error) {
	pdf, err := s.renderer.Render(s.receiptData(gc))
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	number := *gc.donation.ReceiptNumber
	url, err := s.blobs.Upload(ctx, pdf, number+".pdf", "application/pdf")
	if err != nil {
		return pdf, fmt.Errorf("upload: %w", err)
	}
	if mailDonor && gc.donor != nil && gc.donor.Email != "" {
		if err := s.mailReceipt(ctx, gc, pdf); err != nil {
			return pdf, err
		}
	}
	if err := s.donations.MarkReceiptIssued(ctx, gc.donation.ID, url); err != nil {
		return pdf, fmt.Errorf("mark issued: %w", err)
	}
	logger.Info("receipt issued", "donation_id", gc.donation.ID, "receipt_number", number, "url", url)
	return pdf, nil
}

// mailReceipt runs before the receipt is marked issued, so a failed send is
// retried with the receipt step.
func (s *SideEffectService) mailReceipt(ctx context.Context, gc *giftContext, pdf []byte) error {
	mail, err := notification.DonorReceipt(s.giftDetails(gc), pdf)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("receipt mail: %w", err)
	}
	return s.donations.MarkReceiptMailed(ctx, gc.donation.ID)
}

func (s *SideEffectService) giftDetails(gc *giftContext) notification.GiftDetails {
	details := notification.GiftDetails{
		Donation:    gc.donation,
		StudentName: gc.student.Name,
	}
	if gc.donor != nil {
		details.DonorName = gc.donor.Name
		details.DonorEmail = gc.donor.Email
	}
	if gc.item != nil {
		details.ItemTitle = gc.item.Title
	}
	return details
}

func (s *SideEffectService) notify(ctx context.Context, gc *giftContext, pdf []byte) error {
	d := gc.donation
	details := s.giftDetails(gc)

	receiptMailed := false
	if details.DonorEmail != "" {
		mail, err := notification.DonorThankYou(details, pdf)
		if err != nil {
			return err
		}
		if err := s.mailer.Send(ctx, mail); err != nil {
			return fmt.Errorf("donor mail: %w", err)
		}
		receiptMailed = mail.Attachment != nil
	}

	if d.CountsTowardAggregates() && gc.student.Email != "" {
		mail, err := notification.StudentGiftReceived(details, gc.student.Email)
		if err != nil {
			return err
		}
		if err := s.mailer.Send(ctx, mail); err != nil {
			return fmt.Errorf("student mail: %w", err)
		}
	}

	return s.donations.MarkNotified(ctx, d.ID, receiptMailed)
}

// InlineDispatcher runs side effects synchronously in the caller's
// goroutine, detached from the caller's cancellation.
type InlineDispatcher struct {
	runner *SideEffectService
}

func NewInlineDispatcher(runner *SideEffectService) *InlineDispatcher {
	return &InlineDispatcher{runner: runner}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, donationID string) error {
	return d.runner.Run(context.WithoutCancel(ctx), donationID)
}

// SideEffectJob is the queue payload for a donation owing side effects.
type SideEffectJob struct {
	DonationID string `json:"donation_id"`
}

// QueueDispatcher publishes side effect jobs to the redis stream consumed by
// the processor.
type QueueDispatcher struct {
	queue *queue.Queue
}

func NewQueueDispatcher(q *queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, donationID string) error {
	_, err := d.queue.PublishJSON(context.WithoutCancel(ctx), SideEffectJob{DonationID: donationID}, map[string]string{"type": "side_effects"})
	return err
}
