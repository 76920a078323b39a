package handlers

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/services"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
	"github.com/nimasrn/donation-engine/pkg/logger"
)

type errorResponse struct {
	Error    string          `json:"error"`
	Field    string          `json:"field,omitempty"`
	Donation *model.Donation `json:"donation,omitempty"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	xhttp.WriteJSON(ctx, status, v)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, errorResponse{Error: msg})
}

// writeServiceError maps engine errors onto status codes. current is
// attached to conflicts so the caller sees the state that won.
func writeServiceError(ctx *xhttp.RequestCtx, err error, current *model.Donation) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(ctx, xhttp.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, services.ErrValidation):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrDonationNotFound):
		writeError(ctx, xhttp.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrAlreadyProcessed), errors.Is(err, services.ErrNotCompleted):
		writeJSON(ctx, xhttp.StatusConflict, errorResponse{Error: err.Error(), Donation: current})
	case errors.Is(err, services.ErrRefundExceedsAmount):
		writeError(ctx, xhttp.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, xhttp.StatusText(xhttp.StatusInternalServerError))
	}
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func queryInt(ctx *xhttp.RequestCtx, key string) (int, bool) {
	v := query(ctx, key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
