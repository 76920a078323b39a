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

type walletAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type walletCaptureRequest struct {
	Amount      walletAmount `json:"amount"`
	ReferenceID string       `json:"reference_id"`
}

type walletOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CaptureID     string `json:"capture_id,omitempty"`
	StatusDetails struct {
		Reason string `json:"reason,omitempty"`
	} `json:"status_details"`
}

type walletRefundRequest struct {
	Amount      walletAmount `json:"amount"`
	NoteToPayer string       `json:"note_to_payer,omitempty"`
}

type walletRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WalletAdapter captures approved wallet orders. The order id is the payment
// token, completed orders are identified by their capture id.
type WalletAdapter struct {
	provider *Provider
}

func NewWalletAdapter(config ProviderConfig) *WalletAdapter {
	if config.Name == "" {
		config.Name = "wallet"
	}
	return &WalletAdapter{provider: NewProvider(config)}
}

func (a *WalletAdapter) Channel() model.Channel { return model.ChannelWallet }

func (a *WalletAdapter) Stats() ProviderStats { return a.provider.Stats() }

func (a *WalletAdapter) Capture(ctx context.Context, req CaptureRequest) (PaymentResult, error) {
	if req.Token == "" {
		return PaymentResult{}, fmt.Errorf("wallet capture for donation %s: missing order token", req.DonationID)
	}
	body, err := json.Marshal(walletCaptureRequest{
		Amount:      walletAmount{CurrencyCode: req.Currency, Value: req.Amount.String()},
		ReferenceID: req.DonationID,
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("marshal capture: %w", err)
	}

	start := time.Now()
	path := "/v2/orders/" + url.PathEscape(req.Token) + "/capture"
	result := a.order(ctx, fasthttp.MethodPost, path, req.DonationID, body)
	prom.ObserveGatewayCall(string(model.ChannelWallet), string(result.Outcome), time.Since(start).Seconds())
	logger.Info("wallet capture finished", "donation_id", req.DonationID, "outcome", result.Outcome,
		"external_id", result.ExternalTransactionID, "reason", result.FailureReason)
	return result, nil
}

func (a *WalletAdapter) Status(ctx context.Context, externalID string) (PaymentResult, error) {
	if externalID == "" {
		return PaymentResult{}, fmt.Errorf("wallet status: empty order id")
	}
	return a.order(ctx, fasthttp.MethodGet, "/v2/orders/"+url.PathEscape(externalID), "", nil), nil
}

func (a *WalletAdapter) order(ctx context.Context, method, path, key string, body []byte) PaymentResult {
	status, respBody, err := a.provider.do(ctx, method, path, key, body)
	if err != nil {
		return transportFailure(err)
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated && status != fasthttp.StatusUnprocessableEntity {
		return unreachable("processor returned status %d", status)
	}
	var o walletOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return unreachable("unreadable processor response")
	}
	return mapWalletOrder(o)
}

func mapWalletOrder(o walletOrder) PaymentResult {
	id := o.CaptureID
	if id == "" {
		id = o.ID
	}
	switch o.Status {
	case "COMPLETED":
		if o.CaptureID == "" {
			return failure(o.ID, "order completed without a capture id")
		}
		return success(o.CaptureID)
	case "PENDING":
		return pendingReview(id)
	case "DECLINED", "VOIDED":
		if o.StatusDetails.Reason != "" {
			return failure(id, "%s", o.StatusDetails.Reason)
		}
		return failure(id, "wallet order %s", o.Status)
	case "PAYER_ACTION_REQUIRED":
		return failure(id, "payer action required")
	default:
		return failure(id, "unrecognized order status %q", o.Status)
	}
}

func (a *WalletAdapter) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.ExternalTransactionID == "" {
		return RefundResult{}, fmt.Errorf("wallet refund for donation %s: no capture id recorded", req.DonationID)
	}
	body, err := json.Marshal(walletRefundRequest{
		Amount:      walletAmount{CurrencyCode: req.Currency, Value: req.Amount.String()},
		NoteToPayer: req.Reason,
	})
	if err != nil {
		return RefundResult{}, fmt.Errorf("marshal refund: %w", err)
	}

	path := "/v2/captures/" + url.PathEscape(req.ExternalTransactionID) + "/refund"
	status, respBody, err := a.provider.do(ctx, fasthttp.MethodPost, path, req.RefundID, body)
	if err != nil {
		return RefundResult{FailureReason: transportFailure(err).FailureReason}, nil
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusCreated {
		return RefundResult{FailureReason: fmt.Sprintf("processor returned status %d", status)}, nil
	}
	var r walletRefund
	if err := json.Unmarshal(respBody, &r); err != nil {
		return RefundResult{FailureReason: "unreadable processor response"}, nil
	}
	switch r.Status {
	case "COMPLETED", "PENDING":
		return RefundResult{Success: true, ExternalRefundID: r.ID}, nil
	default:
		return RefundResult{ExternalRefundID: r.ID, FailureReason: "refund " + r.Status}, nil
	}
}
