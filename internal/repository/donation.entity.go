package repository

import (
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/pkg/pg"
)

type DonationEntity struct {
	pg.Model
	DonorID        *string     `gorm:"column:donor_id;type:uuid;index"`
	StudentID      string      `gorm:"column:student_id;type:uuid;not null;index"`
	WishlistItemID *string     `gorm:"column:wishlist_item_id;type:uuid;index"`
	GrossAmount    money.Money `gorm:"column:gross_amount;type:numeric(12,2);not null"`
	FeeAmount      money.Money `gorm:"column:fee_amount;type:numeric(12,2);not null"`
	NetAmount      money.Money `gorm:"column:net_amount;type:numeric(12,2);not null"`
	Currency       string      `gorm:"column:currency;not null;default:USD"`
	Channel        string      `gorm:"column:channel;not null"`
	Kind           string      `gorm:"column:kind;not null;default:gift"`
	Status         string      `gorm:"column:status;not null;index"`

	PaymentReference      string  `gorm:"column:payment_reference;not null;uniqueIndex"`
	ExternalTransactionID *string `gorm:"column:external_transaction_id"`

	ReceiptNumber *string `gorm:"column:receipt_number;uniqueIndex"`
	ReceiptIssued bool    `gorm:"column:receipt_issued;not null"`
	ReceiptURL    *string `gorm:"column:receipt_url"`

	IsAnonymous           bool `gorm:"column:is_anonymous;not null"`
	ShowPublicly          bool `gorm:"column:show_publicly;not null"`
	AllowRecipientContact bool `gorm:"column:allow_recipient_contact;not null"`

	IsRecurring bool    `gorm:"column:is_recurring;not null"`
	Frequency   *string `gorm:"column:frequency"`
	Message     string  `gorm:"column:message"`

	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	FailureReason *string    `gorm:"column:failure_reason"`

	CaptureStartedAt *time.Time `gorm:"column:capture_started_at"`

	LedgerApplied       bool    `gorm:"column:ledger_applied;not null"`
	Notified            bool    `gorm:"column:notified;not null"`
	ReceiptMailed       bool    `gorm:"column:receipt_mailed;not null"`
	SideEffectAttempts  int     `gorm:"column:side_effect_attempts;not null"`
	LastSideEffectError *string `gorm:"column:last_side_effect_error"`
}

func (DonationEntity) TableName() string {
	return "donations"
}

func toDonationEntity(d *model.Donation) *DonationEntity {
	if d == nil {
		return nil
	}
	var freq *string
	if d.Frequency != nil {
		f := string(*d.Frequency)
		freq = &f
	}
	return &DonationEntity{
		Model:                 pg.Model{ID: d.ID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt},
		DonorID:               d.DonorID,
		StudentID:             d.StudentID,
		WishlistItemID:        d.WishlistItemID,
		GrossAmount:           d.GrossAmount,
		FeeAmount:             d.FeeAmount,
		NetAmount:             d.NetAmount,
		Currency:              d.Currency,
		Channel:               string(d.Channel),
		Kind:                  string(d.Kind),
		Status:                string(d.Status),
		PaymentReference:      d.PaymentReference,
		ExternalTransactionID: d.ExternalTransactionID,
		ReceiptNumber:         d.ReceiptNumber,
		ReceiptIssued:         d.ReceiptIssued,
		ReceiptURL:            d.ReceiptURL,
		IsAnonymous:           d.IsAnonymous,
		ShowPublicly:          d.ShowPublicly,
		AllowRecipientContact: d.AllowRecipientContact,
		IsRecurring:           d.IsRecurring,
		Frequency:             freq,
		Message:               d.Message,
		ProcessedAt:           d.ProcessedAt,
		FailureReason:         d.FailureReason,
		CaptureStartedAt:      d.CaptureStartedAt,
		LedgerApplied:         d.LedgerApplied,
		Notified:              d.Notified,
		ReceiptMailed:         d.ReceiptMailed,
		SideEffectAttempts:    d.SideEffectAttempts,
		LastSideEffectError:   d.LastSideEffectError,
	}
}

func toDonationModel(e *DonationEntity) *model.Donation {
	if e == nil {
		return nil
	}
	var freq *model.Frequency
	if e.Frequency != nil {
		f := model.Frequency(*e.Frequency)
		freq = &f
	}
	return &model.Donation{
		ID:                    e.ID,
		DonorID:               e.DonorID,
		StudentID:             e.StudentID,
		WishlistItemID:        e.WishlistItemID,
		GrossAmount:           e.GrossAmount,
		FeeAmount:             e.FeeAmount,
		NetAmount:             e.NetAmount,
		Currency:              e.Currency,
		Channel:               model.Channel(e.Channel),
		Kind:                  model.DonationKind(e.Kind),
		Status:                model.DonationStatus(e.Status),
		PaymentReference:      e.PaymentReference,
		ExternalTransactionID: e.ExternalTransactionID,
		ReceiptNumber:         e.ReceiptNumber,
		ReceiptIssued:         e.ReceiptIssued,
		ReceiptURL:            e.ReceiptURL,
		IsAnonymous:           e.IsAnonymous,
		ShowPublicly:          e.ShowPublicly,
		AllowRecipientContact: e.AllowRecipientContact,
		IsRecurring:           e.IsRecurring,
		Frequency:             freq,
		Message:               e.Message,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
		ProcessedAt:           e.ProcessedAt,
		FailureReason:         e.FailureReason,
		CaptureStartedAt:      e.CaptureStartedAt,
		LedgerApplied:         e.LedgerApplied,
		Notified:              e.Notified,
		ReceiptMailed:         e.ReceiptMailed,
		SideEffectAttempts:    e.SideEffectAttempts,
		LastSideEffectError:   e.LastSideEffectError,
	}
}

func toDonationModels(entities []*DonationEntity) []*model.Donation {
	if entities == nil {
		return nil
	}
	models := make([]*model.Donation, len(entities))
	for i, e := range entities {
		models[i] = toDonationModel(e)
	}
	return models
}
