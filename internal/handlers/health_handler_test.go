package handlers

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
	"github.com/stretchr/testify/assert"
)

type staticStats []gateway.ProviderStats

func (s staticStats) Stats() []gateway.ProviderStats { return s }

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }

	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{"postgres": ok, "redis": ok},
			staticStats{{Name: "card", State: "closed"}})

		ctx := setupTestContext("GET", "/health", nil)
		h.GetHealth(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		var got healthResponse
		decodeBody(t, ctx, &got)
		assert.Equal(t, "ok", got.Status)
		assert.Equal(t, "ok", got.Checks["redis"])
		assert.Len(t, got.Gateways, 1)
	})

	t.Run("failing dependency", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"postgres": ok,
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		}, nil)

		ctx := setupTestContext("GET", "/health", nil)
		h.GetHealth(ctx)

		assert.Equal(t, xhttp.StatusServiceUnavailable, ctx.Response.StatusCode())
		var got healthResponse
		decodeBody(t, ctx, &got)
		assert.Equal(t, "degraded", got.Status)
		assert.Equal(t, "connection refused", got.Checks["redis"])
		assert.Equal(t, "ok", got.Checks["postgres"])
	})
}
