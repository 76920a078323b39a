package handlers

import (
	"context"
	"strings"

	"github.com/fasthttp/router"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/services"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
)

type DonationService interface {
	CreateDonation(ctx context.Context, req services.CreateDonationRequest) (*model.Donation, error)
	Get(ctx context.Context, id string) (*model.Donation, error)
	List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error)
	Refund(ctx context.Context, donationID string, amount money.Money, reason string) (*services.RefundOutcome, error)
	Refunds(ctx context.Context, donationID string) ([]*model.Refund, error)
}

type DonationHandler struct {
	svc DonationService
}

func RegisterDonationRoutes(e *router.Group, h *DonationHandler) {
	e.POST("/donations", h.CreateDonation)
	e.GET("/donations", h.ListDonations)
	e.GET("/donations/{id}", h.GetDonation)
	e.POST("/donations/{id}/refunds", h.CreateRefund)
	e.GET("/donations/{id}/refunds", h.ListRefunds)
}

func NewDonationHandler(svc DonationService) *DonationHandler {
	return &DonationHandler{svc: svc}
}

type listResponse struct {
	Items []*model.Donation `json:"items"`
	Total int64             `json:"total"`
}

type refundRequest struct {
	Amount money.Money `json:"amount"`
	Reason string      `json:"reason"`
}

func (h *DonationHandler) CreateDonation(ctx *xhttp.RequestCtx) {
	var req services.CreateDonationRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	d, err := h.svc.CreateDonation(ctx, req)
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, d)
}

func (h *DonationHandler) GetDonation(ctx *xhttp.RequestCtx) {
	d, err := h.svc.Get(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, d)
}

func (h *DonationHandler) ListDonations(ctx *xhttp.RequestCtx) {
	var f model.DonationFilter
	if v := query(ctx, "student_id"); v != "" {
		f.StudentID = &v
	}
	if v := query(ctx, "donor_id"); v != "" {
		f.DonorID = &v
	}
	if v := query(ctx, "channel"); v != "" {
		ch := model.Channel(v)
		if !ch.Valid() {
			writeError(ctx, xhttp.StatusBadRequest, "unknown channel "+v)
			return
		}
		f.Channel = &ch
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, model.DonationStatus(part))
			}
		}
	}
	if n, ok := queryInt(ctx, "limit"); ok {
		f.Limit = n
	}
	if n, ok := queryInt(ctx, "offset"); ok {
		f.Offset = n
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	if items == nil {
		items = []*model.Donation{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}

func (h *DonationHandler) CreateRefund(ctx *xhttp.RequestCtx) {
	var req refundRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id := pathParam(ctx, "id")
	out, err := h.svc.Refund(ctx, id, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		var current *model.Donation
		if d, gerr := h.svc.Get(ctx, id); gerr == nil {
			current = d
		}
		writeServiceError(ctx, err, current)
		return
	}
	status := xhttp.StatusCreated
	if out.RequiresManualVerification {
		status = xhttp.StatusAccepted
	}
	writeJSON(ctx, status, out)
}

func (h *DonationHandler) ListRefunds(ctx *xhttp.RequestCtx) {
	id := pathParam(ctx, "id")
	if _, err := h.svc.Get(ctx, id); err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	refunds, err := h.svc.Refunds(ctx, id)
	if err != nil {
		writeServiceError(ctx, err, nil)
		return
	}
	if refunds == nil {
		refunds = []*model.Refund{}
	}
	writeJSON(ctx, xhttp.StatusOK, refunds)
}
