package model

import (
	"time"

	"github.com/nimasrn/donation-engine/internal/money"
)

// Channel is the payment method used for a donation.
type Channel string

const (
	ChannelCard         Channel = "card"
	ChannelWallet       Channel = "wallet"
	ChannelBankTransfer Channel = "bank_transfer"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelCard, ChannelWallet, ChannelBankTransfer:
		return true
	}
	return false
}

// DonationStatus is the lifecycle state of a donation. The only transitions
// are pending to completed and pending to failed.
type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "pending"
	DonationStatusCompleted DonationStatus = "completed"
	DonationStatusFailed    DonationStatus = "failed"
)

// DonationKind separates gifts from administrative registration fees, which
// never count toward student, item or donor aggregates.
type DonationKind string

const (
	DonationKindGift            DonationKind = "gift"
	DonationKindRegistrationFee DonationKind = "registration_fee"
)

type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

type Donation struct {
	ID             string         `json:"id"`
	DonorID        *string        `json:"donor_id,omitempty"`
	StudentID      string         `json:"student_id"`
	WishlistItemID *string        `json:"wishlist_item_id,omitempty"`
	GrossAmount    money.Money    `json:"gross_amount"`
	FeeAmount      money.Money    `json:"fee_amount"`
	NetAmount      money.Money    `json:"net_amount"`
	Currency       string         `json:"currency"`
	Channel        Channel        `json:"channel"`
	Kind           DonationKind   `json:"kind"`
	Status         DonationStatus `json:"status"`

	PaymentReference      string  `json:"payment_reference"`
	ExternalTransactionID *string `json:"external_transaction_id,omitempty"`

	ReceiptNumber *string `json:"receipt_number,omitempty"`
	ReceiptIssued bool    `json:"receipt_issued"`
	ReceiptURL    *string `json:"receipt_url,omitempty"`

	IsAnonymous           bool `json:"is_anonymous"`
	ShowPublicly          bool `json:"show_publicly"`
	AllowRecipientContact bool `json:"allow_recipient_contact"`

	IsRecurring bool       `json:"is_recurring"`
	Frequency   *Frequency `json:"frequency,omitempty"`
	Message     string     `json:"message,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`

	// CaptureStartedAt is set while a processor capture is in flight.
	CaptureStartedAt *time.Time `json:"-"`

	LedgerApplied       bool    `json:"ledger_applied"`
	Notified            bool    `json:"notified"`
	// ReceiptMailed is set once the donor was sent a mail carrying the receipt.
	ReceiptMailed       bool    `json:"receipt_mailed"`
	SideEffectAttempts  int     `json:"side_effect_attempts"`
	LastSideEffectError *string `json:"last_side_effect_error,omitempty"`
}

// CountsTowardAggregates reports whether the donation feeds the funding
// ledger once completed.
func (d *Donation) CountsTowardAggregates() bool {
	return d.Kind != DonationKindRegistrationFee
}

// HasPendingSideEffects reports whether a completed donation still owes its
// receipt document, ledger application or notifications.
func (d *Donation) HasPendingSideEffects() bool {
	if d.Status != DonationStatusCompleted {
		return false
	}
	receiptPending := d.ReceiptNumber != nil && !d.ReceiptIssued
	return receiptPending || !d.LedgerApplied || !d.Notified
}

// Completion is what the orchestrator writes when a payment is confirmed.
type Completion struct {
	DonationID            string
	ExternalTransactionID *string
	ReceiptNumber         *string
	ProcessedAt           time.Time
}

// DonationFilter controls List queries.
type DonationFilter struct {
	StudentID *string
	DonorID   *string
	Statuses  []DonationStatus
	Channel   *Channel
	Limit     int // default 50
	Offset    int
	Desc      bool // order by created_at
}
