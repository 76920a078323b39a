package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/donation-engine/internal/fee"
	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/notification"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/logger"
)

type DonorInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type CreateDonationRequest struct {
	StudentID             string             `json:"student_id"`
	WishlistItemID        *string            `json:"wishlist_item_id,omitempty"`
	Amount                money.Money        `json:"amount"`
	Channel               model.Channel      `json:"channel"`
	Kind                  model.DonationKind `json:"kind,omitempty"`
	Donor                 DonorInfo          `json:"donor"`
	IsAnonymous           bool               `json:"is_anonymous"`
	ShowPublicly          bool               `json:"show_publicly"`
	AllowRecipientContact bool               `json:"allow_recipient_contact"`
	IsRecurring           bool               `json:"is_recurring"`
	Frequency             *model.Frequency   `json:"frequency,omitempty"`
	Message               string             `json:"message,omitempty"`
}

type RefundOutcome struct {
	Success                    bool          `json:"success"`
	RequiresManualVerification bool          `json:"requires_manual_verification"`
	Refund                     *model.Refund `json:"refund"`
}

type DonationConfig struct {
	Minimum    money.Money
	Currency   string
	AdminEmail string
	// GatewayTimeout bounds refund calls to processors.
	GatewayTimeout time.Duration
}

// DonationService records donor intent and handles refunds.
type DonationService struct {
	donations DonationRepository
	students  StudentRepository
	items     WishlistRepository
	donors    DonorRepository
	refunds   RefundRepository
	fees      fee.Schedule
	gateways  *gateway.Registry
	locks     *idempotency.Service
	mailer    Mailer
	config    DonationConfig
	now       func() time.Time
}

func NewDonationService(donations DonationRepository, students StudentRepository, items WishlistRepository, donors DonorRepository,
	refunds RefundRepository, fees fee.Schedule, gateways *gateway.Registry, locks *idempotency.Service, mailer Mailer, config DonationConfig) *DonationService {
	if config.Currency == "" {
		config.Currency = "USD"
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = 15 * time.Second
	}
	return &DonationService{
		donations: donations,
		students:  students,
		items:     items,
		donors:    donors,
		refunds:   refunds,
		fees:      fees,
		gateways:  gateways,
		locks:     locks,
		mailer:    mailer,
		config:    config,
		now:       time.Now,
	}
}

func (s *DonationService) validate(ctx context.Context, req *CreateDonationRequest) error {
	if req.StudentID == "" {
		return invalid("student_id", "is required")
	}
	if !req.Channel.Valid() {
		return invalid("channel", "unknown channel %q", req.Channel)
	}
	if req.Kind == "" {
		req.Kind = model.DonationKindGift
	}
	if req.Kind != model.DonationKindGift && req.Kind != model.DonationKindRegistrationFee {
		return invalid("kind", "unknown kind %q", req.Kind)
	}
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if req.Amount.LessThan(s.config.Minimum) {
		return invalid("amount", "must be at least %s", s.config.Minimum)
	}

	req.Donor.Email = strings.TrimSpace(req.Donor.Email)
	req.Donor.Name = strings.TrimSpace(req.Donor.Name)
	if req.Donor.Email == "" {
		return invalid("donor.email", "is required")
	}
	if _, err := mail.ParseAddress(req.Donor.Email); err != nil {
		return invalid("donor.email", "is not a valid address")
	}

	if req.IsRecurring {
		if req.Frequency == nil || !req.Frequency.Valid() {
			return invalid("frequency", "a valid frequency is required for recurring gifts")
		}
	} else {
		req.Frequency = nil
	}

	if _, err := s.students.GetByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, repository.ErrStudentNotFound) {
			return invalid("student_id", "unknown student")
		}
		return fmt.Errorf("load student: %w", err)
	}

	if req.WishlistItemID != nil {
		if req.Kind == model.DonationKindRegistrationFee {
			return invalid("wishlist_item_id", "registration fees cannot target an item")
		}
		item, err := s.items.GetByID(ctx, *req.WishlistItemID)
		if err != nil {
			if errors.Is(err, repository.ErrWishlistItemNotFound) {
				return invalid("wishlist_item_id", "unknown item")
			}
			return fmt.Errorf("load wishlist item: %w", err)
		}
		if item.StudentID != req.StudentID {
			return invalid("wishlist_item_id", "item does not belong to the student")
		}
		if item.Status == model.WishlistItemFunded {
			return invalid("wishlist_item_id", "item is already funded")
		}
	}
	return nil
}

// CreateDonation validates the request, resolves the donor, computes the fee
// and stores the donation as pending.
func (s *DonationService) CreateDonation(ctx context.Context, req CreateDonationRequest) (*model.Donation, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	breakdown, err := s.fees.Compute(req.Amount, req.Channel)
	if err != nil {
		switch {
		case errors.Is(err, fee.ErrAmountBelowFlatFee), errors.Is(err, fee.ErrFeeExceedsAmount), errors.Is(err, fee.ErrNonPositiveAmount):
			return nil, invalid("amount", "%v", err)
		case errors.Is(err, fee.ErrUnknownChannel):
			return nil, invalid("channel", "%v", err)
		default:
			return nil, err
		}
	}

	donor, err := s.donors.FindOrCreateByEmail(ctx, req.Donor.Email, req.Donor.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve donor: %w", err)
	}

	d := &model.Donation{
		DonorID:               &donor.ID,
		StudentID:             req.StudentID,
		WishlistItemID:        req.WishlistItemID,
		GrossAmount:           breakdown.Gross,
		FeeAmount:             breakdown.Fee,
		NetAmount:             breakdown.Net,
		Currency:              s.config.Currency,
		Channel:               req.Channel,
		Kind:                  req.Kind,
		Status:                model.DonationStatusPending,
		PaymentReference:      s.paymentReference(),
		IsAnonymous:           req.IsAnonymous,
		ShowPublicly:          req.ShowPublicly,
		AllowRecipientContact: req.AllowRecipientContact,
		IsRecurring:           req.IsRecurring,
		Frequency:             req.Frequency,
		Message:               strings.TrimSpace(req.Message),
	}
	created, err := s.donations.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create donation: %w", err)
	}

	logger.Info("donation created", "donation_id", created.ID, "student_id", created.StudentID,
		"channel", created.Channel, "gross", created.GrossAmount.String(), "reference", created.PaymentReference)

	if created.Channel == model.ChannelBankTransfer {
		s.notifyAdmin(ctx, notification.BankTransferAwaiting(s.config.AdminEmail, created))
	}
	return created, nil
}

// paymentReference is what a donor quotes on a bank transfer.
func (s *DonationService) paymentReference() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("GIFT-%d-%s", s.now().UTC().Year(), raw[:12])
}

func (s *DonationService) notifyAdmin(ctx context.Context, m notification.Mail) {
	if s.mailer == nil || s.config.AdminEmail == "" {
		return
	}
	if err := s.mailer.Send(ctx, m); err != nil {
		logger.Warn("admin notification failed", "subject", m.Subject, "error", err)
	}
}

func (s *DonationService) Get(ctx context.Context, id string) (*model.Donation, error) {
	d, err := s.donations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *DonationService) List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.donations.List(ctx, f)
}

func (s *DonationService) Refunds(ctx context.Context, donationID string) ([]*model.Refund, error) {
	return s.refunds.ListByDonation(ctx, donationID)
}

// Refund returns part or all of a completed donation. Bank transfers and
// donations without a processor reference are recorded as needing manual
// processing. Refunds never change the donation status or the ledger.
func (s *DonationService) Refund(ctx context.Context, donationID string, amount money.Money, reason string) (*RefundOutcome, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}

	d, err := s.Get(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DonationStatusCompleted {
		return nil, ErrNotCompleted
	}

	if s.locks != nil {
		pc, err := s.locks.AcquireProcessingLock(ctx, "refund:"+donationID)
		if err == idempotency.ErrLockAcquireFailed {
			return nil, ErrAlreadyProcessed
		}
		if err == nil {
			defer s.locks.ReleaseLock(context.WithoutCancel(ctx), pc)
		} else {
			logger.Warn("refund lock unavailable", "donation_id", donationID, "error", err)
		}
	}

	refunded, err := s.refunds.SumActive(ctx, donationID)
	if err != nil {
		return nil, fmt.Errorf("sum refunds: %w", err)
	}
	refundable := d.GrossAmount.Sub(refunded)
	if amount.GreaterThan(refundable) {
		return nil, fmt.Errorf("%w: requested %s, refundable %s", ErrRefundExceedsAmount, amount, refundable)
	}

	refund := &model.Refund{
		ID:         uuid.NewString(),
		DonationID: donationID,
		Amount:     amount,
		Reason:     reason,
	}

	adapter, err := s.gateways.Get(d.Channel)
	if err != nil {
		return nil, err
	}

	var result gateway.RefundResult
	if d.ExternalTransactionID == nil {
		result = gateway.RefundResult{RequiresManual: true, FailureReason: "no processor reference recorded"}
	} else {
		gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
		result, err = adapter.Refund(gctx, gateway.RefundRequest{
			DonationID:            donationID,
			RefundID:              refund.ID,
			ExternalTransactionID: *d.ExternalTransactionID,
			Amount:                amount,
			Currency:              d.Currency,
			Reason:                reason,
		})
		cancel()
		if err != nil && !errors.Is(err, gateway.ErrManualProcessingRequired) {
			return nil, fmt.Errorf("refund: %w", err)
		}
		if errors.Is(err, gateway.ErrManualProcessingRequired) {
			result.RequiresManual = true
		}
	}

	switch {
	case result.RequiresManual:
		refund.Status = model.RefundStatusManualRequired
	case result.Success:
		refund.Status = model.RefundStatusSucceeded
	default:
		refund.Status = model.RefundStatusFailed
	}
	if result.ExternalRefundID != "" {
		refund.ExternalRefundID = &result.ExternalRefundID
	}
	if result.FailureReason != "" && !result.Success {
		refund.FailureReason = &result.FailureReason
	}

	saved, err := s.refunds.Create(ctx, refund)
	if err != nil {
		return nil, fmt.Errorf("save refund: %w", err)
	}

	logger.Info("refund recorded", "donation_id", donationID, "refund_id", saved.ID, "amount", amount.String(), "status", saved.Status)

	if result.RequiresManual {
		s.notifyAdmin(ctx, notification.Mail{
			To:      s.config.AdminEmail,
			Subject: "Manual refund required: " + d.PaymentReference,
			Text: fmt.Sprintf("Refund %s of %s %s for donation %s must be processed manually. Reason: %s",
				saved.ID, amount, d.Currency, donationID, reason),
		})
	}

	return &RefundOutcome{
		Success:                    result.Success && !result.RequiresManual,
		RequiresManualVerification: result.RequiresManual,
		Refund:                     saved,
	}, nil
}
