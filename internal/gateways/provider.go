package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	ErrCircuitOpen = errors.New("processor circuit open")
	ErrTimeout     = errors.New("processor request timed out")
)

// ProviderMetrics keeps call counts and a window of recent latencies.
type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	ConsecutiveFails atomic.Int32

	mu        sync.Mutex
	latencies []int64
	window    int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencies: make([]int64, 0, 100),
		window:    100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.ConsecutiveFails.Store(0)

	m.mu.Lock()
	if len(m.latencies) == m.window {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)
	m.mu.Unlock()
}

// RecordFailure returns the number of consecutive failures so far.
func (m *ProviderMetrics) RecordFailure() int32 {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	return m.ConsecutiveFails.Add(1)
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.Lock()
	sorted := slices.Clone(m.latencies)
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	return sorted[min(len(sorted)*95/100, len(sorted)-1)]
}

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

type ProviderConfig struct {
	Name                    string
	URL                     string
	APIKey                  string
	Timeout                 time.Duration
	MaxConns                int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	// Dial overrides the network dialer, tests pass an in-memory listener.
	Dial fasthttp.DialFunc
}

// Provider is the HTTP connection to one external processor. Transport
// errors and 5xx answers count against a circuit breaker that stops calls
// for a cool-down after CircuitBreakerThreshold consecutive failures.
type Provider struct {
	config    ProviderConfig
	client    *fasthttp.Client
	metrics   *ProviderMetrics
	state     atomic.Int32
	openUntil atomic.Int64
}

func NewProvider(config ProviderConfig) *Provider {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 512
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = time.Minute
	}
	p := &Provider{
		config: config,
		client: &fasthttp.Client{
			Name:                config.Name,
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			Dial:                config.Dial,
		},
		metrics: NewProviderMetrics(),
	}
	logger.Info("processor initialized", "name", config.Name, "url", config.URL, "timeout", config.Timeout)
	return p
}

func (p *Provider) State() BreakerState {
	return BreakerState(p.state.Load())
}

func (p *Provider) setState(state BreakerState) {
	p.state.Store(int32(state))
}

// allow reports whether a call may go out. An open breaker half-opens once
// its cool-down has passed, and the next result closes or reopens it.
func (p *Provider) allow() bool {
	if p.State() != BreakerOpen {
		return true
	}
	if time.Now().UnixMilli() < p.openUntil.Load() {
		return false
	}
	p.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen))
	return true
}

func (p *Provider) onFailure() {
	fails := p.metrics.RecordFailure()
	if p.State() == BreakerHalfOpen || fails >= int32(p.config.CircuitBreakerThreshold) {
		p.openUntil.Store(time.Now().Add(p.config.CircuitBreakerTimeout).UnixMilli())
		if BreakerState(p.state.Swap(int32(BreakerOpen))) != BreakerOpen {
			logger.Warn("processor circuit opened", "processor", p.config.Name, "consecutive_fails", fails, "cool_down", p.config.CircuitBreakerTimeout)
		}
	}
}

func (p *Provider) onSuccess(latencyMs int64) {
	p.metrics.RecordSuccess(latencyMs)
	if BreakerState(p.state.Swap(int32(BreakerClosed))) != BreakerClosed {
		logger.Info("processor circuit closed", "processor", p.config.Name)
	}
}

// do sends one request and returns the status code and a copy of the body.
// Only transport problems are errors, any HTTP status is returned as is.
func (p *Provider) do(ctx context.Context, method, path, idempotencyKey string, body []byte) (int, []byte, error) {
	if !p.allow() {
		return 0, nil, ErrCircuitOpen
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.config.URL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(p.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := p.client.DoDeadline(req, resp, deadline)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.onFailure()
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status >= 500 {
		p.onFailure()
	} else {
		p.onSuccess(latency)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return status, result, nil
}

type ProviderStats struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	TotalRequests    int64   `json:"total_requests"`
	FailedReqs       int64   `json:"failed_requests"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     int64   `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}

func (p *Provider) Stats() ProviderStats {
	return ProviderStats{
		Name:             p.config.Name,
		State:            p.State().String(),
		TotalRequests:    p.metrics.TotalRequests.Load(),
		FailedReqs:       p.metrics.FailedReqs.Load(),
		SuccessRate:      p.metrics.SuccessRate(),
		AvgLatencyMs:     p.metrics.AvgLatencyMs(),
		P95LatencyMs:     p.metrics.P95LatencyMs(),
		ConsecutiveFails: p.metrics.ConsecutiveFails.Load(),
	}
}

// transportFailure converts a transport error into a failed result.
func transportFailure(err error) PaymentResult {
	switch {
	case errors.Is(err, ErrTimeout):
		return unreachable(ReasonTimeout)
	case errors.Is(err, ErrCircuitOpen):
		return unreachable("processor unavailable")
	default:
		return unreachable("processor error: %v", err)
	}
}
