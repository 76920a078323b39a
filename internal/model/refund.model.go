package model

import (
	"time"

	"github.com/nimasrn/donation-engine/internal/money"
)

type RefundStatus string

const (
	RefundStatusSucceeded      RefundStatus = "succeeded"
	RefundStatusManualRequired RefundStatus = "manual_required"
	RefundStatusFailed         RefundStatus = "failed"
)

type Refund struct {
	ID               string       `json:"id"`
	DonationID       string       `json:"donation_id"`
	Amount           money.Money  `json:"amount"`
	Reason           string       `json:"reason"`
	Status           RefundStatus `json:"status"`
	ExternalRefundID *string      `json:"external_refund_id,omitempty"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}
