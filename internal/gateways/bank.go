package gateway

import (
	"context"

	"github.com/nimasrn/donation-engine/internal/model"
)

// BankTransferAdapter never moves money. Transfers stay pending until staff
// verify them, refunds are returned by hand.
type BankTransferAdapter struct{}

func NewBankTransferAdapter() *BankTransferAdapter { return &BankTransferAdapter{} }

func (BankTransferAdapter) Channel() model.Channel { return model.ChannelBankTransfer }

func (BankTransferAdapter) Capture(_ context.Context, _ CaptureRequest) (PaymentResult, error) {
	return pendingReview(""), nil
}

func (BankTransferAdapter) Status(_ context.Context, _ string) (PaymentResult, error) {
	return pendingReview(""), nil
}

func (BankTransferAdapter) Refund(_ context.Context, _ RefundRequest) (RefundResult, error) {
	return RefundResult{RequiresManual: true, FailureReason: "bank transfers are refunded manually"}, ErrManualProcessingRequired
}
