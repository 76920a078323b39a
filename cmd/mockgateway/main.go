package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Special tokens steer the outcome, anything else succeeds unless the random
// decline rate says otherwise.
const (
	tokenDecline = "decline"
	tokenReview  = "review"
	tokenFail    = "fail"
	tokenSlow    = "slow"
	tokenAction  = "action"
)

type ChargeRequest struct {
	Amount      string            `json:"amount" binding:"required"`
	Currency    string            `json:"currency" binding:"required"`
	Source      string            `json:"source" binding:"required"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

type Charge struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Created        int64             `json:"created"`
}

type RefundRequest struct {
	Charge   string `json:"charge" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Charge        string `json:"charge,omitempty"`
	Amount        string `json:"amount"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type WalletAmount struct {
	CurrencyCode string `json:"currency_code" binding:"required"`
	Value        string `json:"value" binding:"required"`
}

type CaptureRequest struct {
	Amount      WalletAmount `json:"amount" binding:"required"`
	ReferenceID string       `json:"reference_id"`
}

type Order struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	CaptureID     string       `json:"capture_id,omitempty"`
	Amount        WalletAmount `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason,omitempty"`
	} `json:"status_details"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	ProcessorID string    `json:"processor_id"`
	Timestamp   time.Time `json:"timestamp"`
	DeclineRate float64   `json:"decline_rate"`
}

// MockProcessor simulates a card processor and a wallet provider. Replayed
// idempotency keys return the stored response.
type MockProcessor struct {
	mu          sync.Mutex
	declineRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	slowDelay   time.Duration
	processorID string
	rng         *rand.Rand

	charges  map[string]*Charge
	orders   map[string]*Order
	captures map[string]*Order
	replays  map[string]any
}

func NewMockProcessor(declineRate float64, minDelay, maxDelay, slowDelay time.Duration) *MockProcessor {
	return &MockProcessor{
		declineRate: declineRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		slowDelay:   slowDelay,
		processorID: "MOCK_PROCESSOR_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:     make(map[string]*Charge),
		orders:      make(map[string]*Order),
		captures:    make(map[string]*Order),
		replays:     make(map[string]any),
	}
}

func (m *MockProcessor) randomDelay(token string) time.Duration {
	if strings.Contains(token, tokenSlow) {
		return m.slowDelay
	}
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProcessor) randomDecline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.declineRate
}

func (m *MockProcessor) replay(key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.replays[key]
	return v, ok
}

func (m *MockProcessor) remember(key string, v any) {
	if key == "" {
		return
	}
	m.mu.Lock()
	m.replays[key] = v
	m.mu.Unlock()
}

func (m *MockProcessor) charge(req *ChargeRequest) *Charge {
	c := &Charge{
		ID:       "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Amount:   req.Amount,
		Currency: req.Currency,
		Metadata: req.Metadata,
		Created:  time.Now().Unix(),
	}
	switch {
	case strings.Contains(req.Source, tokenDecline):
		c.Status, c.FailureCode, c.FailureMessage = "declined", "card_declined", "Your card was declined."
	case strings.Contains(req.Source, tokenFail):
		c.Status, c.FailureCode, c.FailureMessage = "failed", "processing_error", "An error occurred while processing the card."
	case strings.Contains(req.Source, tokenReview):
		c.Status = "requires_review"
	case m.randomDecline():
		c.Status, c.FailureCode, c.FailureMessage = "declined", "insufficient_funds", "Your card has insufficient funds."
	default:
		c.Status = "succeeded"
	}

	m.mu.Lock()
	m.charges[c.ID] = c
	m.mu.Unlock()
	return c
}

func (m *MockProcessor) capture(orderID string, req *CaptureRequest) *Order {
	m.mu.Lock()
	if o, ok := m.orders[orderID]; ok && o.Status != "PAYER_ACTION_REQUIRED" {
		m.mu.Unlock()
		return o
	}
	m.mu.Unlock()

	o := &Order{ID: orderID, Amount: req.Amount}
	switch {
	case strings.Contains(orderID, tokenDecline):
		o.Status = "DECLINED"
		o.StatusDetails.Reason = "INSTRUMENT_DECLINED"
	case strings.Contains(orderID, tokenAction):
		o.Status = "PAYER_ACTION_REQUIRED"
	case strings.Contains(orderID, tokenReview):
		o.Status = "PENDING"
		o.StatusDetails.Reason = "PENDING_REVIEW"
	case m.randomDecline():
		o.Status = "DECLINED"
		o.StatusDetails.Reason = "INSUFFICIENT_FUNDS"
	default:
		o.Status = "COMPLETED"
		o.CaptureID = "CAP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:17])
	}

	m.mu.Lock()
	m.orders[orderID] = o
	if o.CaptureID != "" {
		m.captures[o.CaptureID] = o
	}
	m.mu.Unlock()
	return o
}

type Handler struct {
	processor *MockProcessor
}

func NewHandler(processor *MockProcessor) *Handler {
	return &Handler{processor: processor}
}

// idempotencyKey scopes the caller's key to the route.
func idempotencyKey(c *gin.Context) string {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		return ""
	}
	return c.FullPath() + ":" + key
}

func (h *Handler) CreateCharge(c *gin.Context) {
	if v, ok := h.processor.replay(idempotencyKey(c)); ok {
		ch := v.(*Charge)
		c.JSON(chargeStatusCode(ch), ch)
		return
	}

	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	time.Sleep(h.processor.randomDelay(req.Source))
	ch := h.processor.charge(&req)
	h.processor.remember(idempotencyKey(c), ch)

	log.Info().
		Str("charge_id", ch.ID).
		Str("amount", ch.Amount).
		Str("status", ch.Status).
		Str("donation_id", req.Metadata["donation_id"]).
		Msg("Charge processed")

	c.JSON(chargeStatusCode(ch), ch)
}

func chargeStatusCode(ch *Charge) int {
	switch ch.Status {
	case "declined", "failed":
		return http.StatusPaymentRequired
	default:
		return http.StatusOK
	}
}

func (h *Handler) GetCharge(c *gin.Context) {
	id := c.Param("id")
	h.processor.mu.Lock()
	ch, ok := h.processor.charges[id]
	if ok && ch.Status == "requires_review" {
		// reviews clear on the first status check
		ch.Status = "succeeded"
	}
	h.processor.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such charge: " + id})
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *Handler) CreateRefund(c *gin.Context) {
	if v, ok := h.processor.replay(idempotencyKey(c)); ok {
		c.JSON(http.StatusOK, v)
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.processor.mu.Lock()
	_, ok := h.processor.charges[req.Charge]
	h.processor.mu.Unlock()

	r := &Refund{ID: "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24], Charge: req.Charge, Amount: req.Amount}
	if ok {
		r.Status = "succeeded"
	} else {
		r.Status, r.FailureReason = "failed", "charge not found"
	}
	h.processor.remember(idempotencyKey(c), r)

	log.Info().Str("refund_id", r.ID).Str("charge_id", req.Charge).Str("status", r.Status).Msg("Refund processed")
	c.JSON(http.StatusOK, r)
}

func (h *Handler) CaptureOrder(c *gin.Context) {
	if v, ok := h.processor.replay(idempotencyKey(c)); ok {
		o := v.(*Order)
		c.JSON(orderStatusCode(o), o)
		return
	}

	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	orderID := c.Param("id")
	time.Sleep(h.processor.randomDelay(orderID))
	o := h.processor.capture(orderID, &req)
	h.processor.remember(idempotencyKey(c), o)

	log.Info().
		Str("order_id", o.ID).
		Str("capture_id", o.CaptureID).
		Str("status", o.Status).
		Str("reference_id", req.ReferenceID).
		Msg("Order captured")

	c.JSON(orderStatusCode(o), o)
}

func orderStatusCode(o *Order) int {
	switch o.Status {
	case "DECLINED", "PAYER_ACTION_REQUIRED":
		return http.StatusUnprocessableEntity
	case "PENDING":
		return http.StatusOK
	default:
		return http.StatusCreated
	}
}

func (h *Handler) GetOrder(c *gin.Context) {
	id := c.Param("id")
	h.processor.mu.Lock()
	o, ok := h.processor.orders[id]
	if !ok {
		o, ok = h.processor.captures[id]
	}
	if ok && o.Status == "PENDING" {
		o.Status = "COMPLETED"
		o.CaptureID = "CAP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:17])
		h.processor.captures[o.CaptureID] = o
	}
	h.processor.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "RESOURCE_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) RefundCapture(c *gin.Context) {
	if v, ok := h.processor.replay(idempotencyKey(c)); ok {
		c.JSON(http.StatusCreated, v)
		return
	}

	id := c.Param("id")
	h.processor.mu.Lock()
	_, ok := h.processor.captures[id]
	h.processor.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "RESOURCE_NOT_FOUND"})
		return
	}

	r := &Refund{ID: "RF-" + strings.ToUpper(uuid.NewString()[:13]), Status: "COMPLETED"}
	h.processor.remember(idempotencyKey(c), r)
	log.Info().Str("refund_id", r.ID).Str("capture_id", id).Msg("Capture refunded")
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		ProcessorID: h.processor.processorID,
		Timestamp:   time.Now(),
		DeclineRate: h.processor.declineRate,
	})
}

// UpdateConfig changes the random decline rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeclineRate *float64 `json:"decline_rate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.processor.mu.Lock()
	if config.DeclineRate != nil && *config.DeclineRate >= 0 && *config.DeclineRate <= 1.0 {
		h.processor.declineRate = *config.DeclineRate
		log.Info().Float64("rate", *config.DeclineRate).Msg("Updated decline rate")
	}
	rate := h.processor.declineRate
	h.processor.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated", "decline_rate": rate})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	card := router.Group("/v1")
	{
		card.POST("/charges", handler.CreateCharge)
		card.GET("/charges/:id", handler.GetCharge)
		card.POST("/refunds", handler.CreateRefund)
	}

	wallet := router.Group("/v2")
	{
		wallet.POST("/orders/:id/capture", handler.CaptureOrder)
		wallet.GET("/orders/:id", handler.GetOrder)
		wallet.POST("/captures/:id/refund", handler.RefundCapture)
	}

	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	declineRate := getEnvFloat("DECLINE_RATE", 0)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 300*time.Millisecond)
	slowDelay := getEnvDuration("SLOW_DELAY", 30*time.Second)

	log.Info().
		Str("port", port).
		Float64("decline_rate", declineRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock payment processor")

	handler := NewHandler(NewMockProcessor(declineRate, minDelay, maxDelay, slowDelay))
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      SetupRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
