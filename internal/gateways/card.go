package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/prom"
	"github.com/valyala/fasthttp"
)

type cardChargeRequest struct {
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Source      string            `json:"source"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type cardCharge struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         string `json:"amount"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

type cardRefundRequest struct {
	Charge   string `json:"charge"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason,omitempty"`
}

type cardRefund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// CardAdapter talks to the card processor's charges API.
type CardAdapter struct {
	provider *Provider
}

func NewCardAdapter(config ProviderConfig) *CardAdapter {
	if config.Name == "" {
		config.Name = "card"
	}
	return &CardAdapter{provider: NewProvider(config)}
}

func (a *CardAdapter) Channel() model.Channel { return model.ChannelCard }

func (a *CardAdapter) Stats() ProviderStats { return a.provider.Stats() }

func (a *CardAdapter) Capture(ctx context.Context, req CaptureRequest) (PaymentResult, error) {
	if req.Token == "" {
		return PaymentResult{}, fmt.Errorf("card capture for donation %s: missing payment token", req.DonationID)
	}
	body, err := json.Marshal(cardChargeRequest{
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		Source:      req.Token,
		Description: "Student gift donation",
		Metadata:    map[string]string{"donation_id": req.DonationID},
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("marshal charge: %w", err)
	}

	start := time.Now()
	result := a.charge(ctx, fasthttp.MethodPost, "/v1/charges", req.DonationID, body)
	prom.ObserveGatewayCall(string(model.ChannelCard), string(result.Outcome), time.Since(start).Seconds())
	logger.Info("card capture finished", "donation_id", req.DonationID, "outcome", result.Outcome,
		"external_id", result.ExternalTransactionID, "reason", result.FailureReason)
	return result, nil
}

func (a *CardAdapter) Status(ctx context.Context, externalID string) (PaymentResult, error) {
	if externalID == "" {
		return PaymentResult{}, fmt.Errorf("card status: empty charge id")
	}
	return a.charge(ctx, fasthttp.MethodGet, "/v1/charges/"+url.PathEscape(externalID), "", nil), nil
}

func (a *CardAdapter) charge(ctx context.Context, method, path, key string, body []byte) PaymentResult {
	status, respBody, err := a.provider.do(ctx, method, path, key, body)
	if err != nil {
		return transportFailure(err)
	}
	// declines come back as 402 with a charge body
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated && status != fasthttp.StatusPaymentRequired {
		return unreachable("processor returned status %d", status)
	}
	var c cardCharge
	if err := json.Unmarshal(respBody, &c); err != nil {
		return unreachable("unreadable processor response")
	}
	return mapCardCharge(c)
}

func mapCardCharge(c cardCharge) PaymentResult {
	switch c.Status {
	case "succeeded":
		if c.ID == "" {
			return failure("", "processor reported success without a charge id")
		}
		return success(c.ID)
	case "processing", "requires_review":
		return pendingReview(c.ID)
	case "declined", "failed", "canceled":
		if c.FailureMessage != "" {
			return failure(c.ID, "%s", c.FailureMessage)
		}
		return failure(c.ID, "card %s", c.Status)
	default:
		return failure(c.ID, "unrecognized charge status %q", c.Status)
	}
}

func (a *CardAdapter) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.ExternalTransactionID == "" {
		return RefundResult{}, fmt.Errorf("card refund for donation %s: no charge id recorded", req.DonationID)
	}
	body, err := json.Marshal(cardRefundRequest{
		Charge:   req.ExternalTransactionID,
		Amount:   req.Amount.String(),
		Currency: req.Currency,
		Reason:   req.Reason,
	})
	if err != nil {
		return RefundResult{}, fmt.Errorf("marshal refund: %w", err)
	}

	status, respBody, err := a.provider.do(ctx, fasthttp.MethodPost, "/v1/refunds", req.RefundID, body)
	if err != nil {
		return RefundResult{FailureReason: transportFailure(err).FailureReason}, nil
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated {
		return RefundResult{FailureReason: fmt.Sprintf("processor returned status %d", status)}, nil
	}
	var r cardRefund
	if err := json.Unmarshal(respBody, &r); err != nil {
		return RefundResult{FailureReason: "unreadable processor response"}, nil
	}
	switch r.Status {
	case "succeeded", "pending":
		return RefundResult{Success: true, ExternalRefundID: r.ID}, nil
	default:
		reason := r.FailureReason
		if reason == "" {
			reason = "refund " + r.Status
		}
		return RefundResult{ExternalRefundID: r.ID, FailureReason: reason}, nil
	}
}
