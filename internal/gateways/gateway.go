package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
)

var (
	ErrManualProcessingRequired = errors.New("refund requires manual processing")
	ErrUnsupportedChannel       = errors.New("no adapter registered for channel")
)

// ReasonTimeout is recorded on donations whose gateway call ran out of time.
const ReasonTimeout = "gateway timeout"

// Outcome is the processor-independent result of a capture.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomePendingManualReview Outcome = "pending_manual_review"
	OutcomeFailure             Outcome = "failure"
)

type PaymentResult struct {
	Outcome               Outcome
	ExternalTransactionID string
	FailureReason         string
	// Unreachable marks failures where the processor gave no usable answer,
	// so the charge state is unknown rather than declined.
	Unreachable bool
}

func success(externalID string) PaymentResult {
	return PaymentResult{Outcome: OutcomeSuccess, ExternalTransactionID: externalID}
}

func pendingReview(externalID string) PaymentResult {
	return PaymentResult{Outcome: OutcomePendingManualReview, ExternalTransactionID: externalID}
}

func unreachable(format string, args ...any) PaymentResult {
	r := failure("", format, args...)
	r.Unreachable = true
	return r
}

func failure(externalID, format string, args ...any) PaymentResult {
	return PaymentResult{Outcome: OutcomeFailure, ExternalTransactionID: externalID, FailureReason: fmt.Sprintf(format, args...)}
}

type CaptureRequest struct {
	DonationID string
	Token      string
	Amount     money.Money
	Currency   string
}

type RefundRequest struct {
	DonationID            string
	RefundID              string
	ExternalTransactionID string
	Amount                money.Money
	Currency              string
	Reason                string
}

type RefundResult struct {
	Success          bool
	RequiresManual   bool
	ExternalRefundID string
	FailureReason    string
}

// Adapter is one payment channel. Declines, processor errors and timeouts
// come back as OutcomeFailure results, the error return is reserved for
// requests that could not be built.
type Adapter interface {
	Channel() model.Channel
	Capture(ctx context.Context, req CaptureRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	Status(ctx context.Context, externalID string) (PaymentResult, error)
}

// Registry maps each channel to its adapter.
type Registry struct {
	adapters map[model.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) Get(channel model.Channel) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	return a, nil
}

// Pollable reports the channels whose processor can be asked for a status.
func (r *Registry) Pollable() []model.Channel {
	var out []model.Channel
	for ch := range r.adapters {
		if ch != model.ChannelBankTransfer {
			out = append(out, ch)
		}
	}
	return out
}

// Stats returns processor health for every adapter that talks to one.
func (r *Registry) Stats() []ProviderStats {
	var out []ProviderStats
	for _, a := range r.adapters {
		if s, ok := a.(interface{ Stats() ProviderStats }); ok {
			out = append(out, s.Stats())
		}
	}
	return out
}
