package services

import (
	"context"
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/notification"
	"github.com/nimasrn/donation-engine/internal/receipt"
)

type DonationRepository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, d *model.Donation) (*model.Donation, error)
	GetByID(ctx context.Context, id string) (*model.Donation, error)
	GetByPaymentReference(ctx context.Context, reference string) (*model.Donation, error)
	List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error)

	ClaimCapture(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseCapture(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkCompleted(ctx context.Context, c model.Completion) error
	RecordExternalID(ctx context.Context, id, externalID string) error
	SetReceiptNumber(ctx context.Context, id, number string) (bool, error)

	MarkReceiptIssued(ctx context.Context, id, url string) error
	ClaimLedger(ctx context.Context, id string) (bool, error)
	MarkNotified(ctx context.Context, id string, receiptMailed bool) error
	MarkReceiptMailed(ctx context.Context, id string) error
	RecordSideEffectRun(ctx context.Context, id string, lastErr *string) error
	ListPendingSideEffects(ctx context.Context, maxAttempts, limit int) ([]*model.Donation, error)
	ListMissingReceiptNumbers(ctx context.Context, limit int) ([]*model.Donation, int64, error)
	ListAwaitingGateway(ctx context.Context, channels []model.Channel, olderThan time.Time, limit int) ([]*model.Donation, error)

	SumCompletedGifts(ctx context.Context, studentID string) (money.Money, error)
	SumCompletedGiftsByItem(ctx context.Context, studentID string) (map[string]money.Money, error)
	DonorTotals(ctx context.Context, donorID string) (model.DonorTotals, error)
}

type StudentRepository interface {
	GetByID(ctx context.Context, id string) (*model.Student, error)
	ListIDs(ctx context.Context) ([]string, error)
	IncrementRaised(ctx context.Context, id string, amount money.Money) error
	SetRaised(ctx context.Context, id string, raised money.Money) error
}

type WishlistRepository interface {
	GetByID(ctx context.Context, id string) (*model.WishlistItem, error)
	ListByStudent(ctx context.Context, studentID string) ([]*model.WishlistItem, error)
	IncrementFunded(ctx context.Context, id string, amount money.Money) error
	SetFunded(ctx context.Context, id string, funded money.Money) error
}

type DonorRepository interface {
	FindOrCreateByEmail(ctx context.Context, email, name string) (*model.Donor, error)
	GetByID(ctx context.Context, id string) (*model.Donor, error)
	UpdateTotals(ctx context.Context, id string, totals model.DonorTotals) error
}

type RefundRepository interface {
	Create(ctx context.Context, refund *model.Refund) (*model.Refund, error)
	SumActive(ctx context.Context, donationID string) (money.Money, error)
	ListByDonation(ctx context.Context, donationID string) ([]*model.Refund, error)
}

// ReceiptAllocator hands out the next receipt number for a year. It must be
// called inside the transaction that stores the number.
type ReceiptAllocator interface {
	Allocate(ctx context.Context, year int) (string, error)
}

type ReceiptRenderer interface {
	Render(d receipt.Data) ([]byte, error)
}

type BlobStore interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, mail notification.Mail) error
}

// SideEffectDispatcher hands a completed donation over to the side effect
// pipeline.
type SideEffectDispatcher interface {
	Dispatch(ctx context.Context, donationID string) error
}
