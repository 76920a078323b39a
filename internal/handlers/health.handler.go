package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type GatewayStats interface {
	Stats() []gateway.ProviderStats
}

type HealthHandler struct {
	checks   map[string]HealthCheck
	gateways GatewayStats
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(checks map[string]HealthCheck, gateways GatewayStats) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		gateways: gateways,
	}
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Checks   map[string]string       `json:"checks"`
	Gateways []gateway.ProviderStats `json:"gateways,omitempty"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	// a RequestCtx is only cancellable while a server owns it
	cctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := xhttp.StatusOK
	for name, check := range h.checks {
		if err := check(cctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = xhttp.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.gateways != nil {
		resp.Gateways = h.gateways.Stats()
	}
	writeJSON(ctx, status, resp)
}
