package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/services"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
)

type PaymentService interface {
	ProcessPayment(ctx context.Context, donationID, token string) (*services.PaymentOutcome, error)
	VerifyManualPayment(ctx context.Context, reference, verifiedBy string) (*services.PaymentOutcome, error)
}

type DonationReader interface {
	Get(ctx context.Context, id string) (*model.Donation, error)
}

type PaymentHandler struct {
	payments  PaymentService
	donations DonationReader
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/donations/{id}/process", h.ProcessPayment)
	e.POST("/bank-transfers/verify", h.VerifyBankTransfer)
	e.POST("/webhooks/{channel}", h.Webhook)
}

func NewPaymentHandler(payments PaymentService, donations DonationReader) *PaymentHandler {
	return &PaymentHandler{payments: payments, donations: donations}
}

type processRequest struct {
	Token string `json:"token"`
}

type verifyRequest struct {
	Reference  string `json:"reference"`
	VerifiedBy string `json:"verified_by"`
}

type webhookRequest struct {
	DonationID string `json:"donation_id"`
	Token      string `json:"token"`
}

func (h *PaymentHandler) ProcessPayment(ctx *xhttp.RequestCtx) {
	var req processRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	h.process(ctx, pathParam(ctx, "id"), req.Token)
}

// Webhook lets a processor hand over a payment token once the donor
// approved it on the processor's side.
func (h *PaymentHandler) Webhook(ctx *xhttp.RequestCtx) {
	channel := model.Channel(pathParam(ctx, "channel"))
	if !channel.Valid() || channel == model.ChannelBankTransfer {
		writeError(ctx, xhttp.StatusNotFound, "unknown channel "+string(channel))
		return
	}

	var req webhookRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.DonationID == "" {
		writeError(ctx, xhttp.StatusBadRequest, "donation_id is required")
		return
	}

	d, err := h.donations.Get(ctx, req.DonationID)
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	if d.Channel != channel {
		writeError(ctx, xhttp.StatusBadRequest, "donation "+d.ID+" is not a "+string(channel)+" payment")
		return
	}
	h.process(ctx, d.ID, req.Token)
}

func (h *PaymentHandler) process(ctx *xhttp.RequestCtx, donationID, token string) {
	outcome, err := h.payments.ProcessPayment(ctx, donationID, token)
	if err != nil {
		h.fail(ctx, donationID, err)
		return
	}
	writeOutcome(ctx, outcome)
}

func (h *PaymentHandler) VerifyBankTransfer(ctx *xhttp.RequestCtx) {
	var req verifyRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	outcome, err := h.payments.VerifyManualPayment(ctx, req.Reference, req.VerifiedBy)
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	writeOutcome(ctx, outcome)
}

func (h *PaymentHandler) fail(ctx *xhttp.RequestCtx, donationID string, err error) {
	var current *model.Donation
	if errors.Is(err, services.ErrAlreadyProcessed) {
		if d, gerr := h.donations.Get(ctx, donationID); gerr == nil {
			current = d
		}
	}
	writeServiceError(ctx, err, current)
}

// writeOutcome answers 200 for settled payments, declines included, and
// 202 while the payment waits for review.
func writeOutcome(ctx *xhttp.RequestCtx, outcome *services.PaymentOutcome) {
	status := xhttp.StatusOK
	if outcome.Status == services.PaymentPendingManualReview {
		status = xhttp.StatusAccepted
	}
	writeJSON(ctx, status, outcome)
}
