package prom

import (
	"sync"

	xhttp "github.com/nimasrn/donation-engine/pkg/http"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemPayments    = "payment"
	SystemReceipts    = "receipt"
	SystemSideEffects = "side_effect"
	SystemSweep       = "sweep"
)

const (
	MetricGatewayDuration     = "gateway_duration_seconds"
	MetricPaymentOutcomes     = "outcomes_total"
	MetricSequenceContention  = "sequence_contention_total"
	MetricMissingNumbers      = "missing_numbers"
	MetricSideEffectFailures  = "failures_total"
	MetricSideEffectsPending  = "pending"
	MetricSweepRuns           = "runs_total"
	MetricSweepDonationsFixed = "donations_fixed_total"
)

var (
	mu        sync.RWMutex
	namespace = "none"
	enabled   = false

	counters   = make(map[string]prometheus.Counter)
	counterVec = make(map[string]*prometheus.CounterVec)
	gaugeVec   = make(map[string]*prometheus.GaugeVec)
	histVec    = make(map[string]*prometheus.HistogramVec)

	defaultLabels prometheus.Labels
)

// Create registers every engine metric. Until it is called all recording
// helpers are no-ops, which is what tests and the cli rely on.
func Create(host string, env string, nameSpace string) error {
	mu.Lock()
	defer mu.Unlock()

	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace

	var err error
	keep := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	keep(newHistogramVec(SystemPayments, MetricGatewayDuration, "Latency of payment gateway calls.", "channel", "outcome"))
	keep(newCounterVec(SystemPayments, MetricPaymentOutcomes, "Payment attempts by channel and outcome.", "channel", "outcome"))

	keep(newCounter(SystemReceipts, MetricSequenceContention, "Receipt number reservations lost to a concurrent writer."))
	keep(newGaugeVec(SystemReceipts, MetricMissingNumbers, "Completed donations without a receipt number.", "prefix"))

	keep(newCounterVec(SystemSideEffects, MetricSideEffectFailures, "Failed post-completion steps.", "step"))
	keep(newGaugeVec(SystemSideEffects, MetricSideEffectsPending, "Completed donations still owing a side effect.", "flag"))

	keep(newCounterVec(SystemSweep, MetricSweepRuns, "Sweep runs by result.", "result"))
	keep(newCounterVec(SystemSweep, MetricSweepDonationsFixed, "Donations settled or repaired by the sweep.", "action"))

	enabled = err == nil
	return err
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: defaultLabels,
	}
}

func newCounter(subsystem, name, help string) error {
	c := prometheus.NewCounter(prometheus.CounterOpts(opts(subsystem, name, help)))
	counters[subsystem+name] = c
	return prometheus.Register(c)
}

func newCounterVec(subsystem, name, help string, labels ...string) error {
	c := prometheus.NewCounterVec(prometheus.CounterOpts(opts(subsystem, name, help)), labels)
	counterVec[subsystem+name] = c
	return prometheus.Register(c)
}

func newGaugeVec(subsystem, name, help string, labels ...string) error {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(subsystem, name, help)), labels)
	gaugeVec[subsystem+name] = g
	return prometheus.Register(g)
}

func newHistogramVec(subsystem, name, help string, labels ...string) error {
	o := opts(subsystem, name, help)
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
	}, labels)
	histVec[subsystem+name] = h
	return prometheus.Register(h)
}

func lookup[T any](m map[string]T, subsystem, name string) (T, bool) {
	mu.RLock()
	defer mu.RUnlock()
	var zero T
	if !enabled {
		return zero, false
	}
	v, ok := m[subsystem+name]
	if !ok {
		logger.Warn("[metrics-server] metric not found", "subsystem", subsystem, "name", name)
	}
	return v, ok
}

func ObserveGatewayCall(channel, outcome string, seconds float64) {
	if h, ok := lookup(histVec, SystemPayments, MetricGatewayDuration); ok {
		h.WithLabelValues(channel, outcome).Observe(seconds)
	}
	if c, ok := lookup(counterVec, SystemPayments, MetricPaymentOutcomes); ok {
		c.WithLabelValues(channel, outcome).Inc()
	}
}

func IncSequenceContention() {
	if c, ok := lookup(counters, SystemReceipts, MetricSequenceContention); ok {
		c.Inc()
	}
}

func SetMissingReceiptNumbers(prefix string, count int64) {
	if g, ok := lookup(gaugeVec, SystemReceipts, MetricMissingNumbers); ok {
		g.WithLabelValues(prefix).Set(float64(count))
	}
}

func IncSideEffectFailure(step string) {
	if c, ok := lookup(counterVec, SystemSideEffects, MetricSideEffectFailures); ok {
		c.WithLabelValues(step).Inc()
	}
}

func SetSideEffectsPending(flag string, count int64) {
	if g, ok := lookup(gaugeVec, SystemSideEffects, MetricSideEffectsPending); ok {
		g.WithLabelValues(flag).Set(float64(count))
	}
}

func IncSweepRun(result string) {
	if c, ok := lookup(counterVec, SystemSweep, MetricSweepRuns); ok {
		c.WithLabelValues(result).Inc()
	}
}

func AddSweepFixed(action string, n int) {
	if n <= 0 {
		return
	}
	if c, ok := lookup(counterVec, SystemSweep, MetricSweepDonationsFixed); ok {
		c.WithLabelValues(action).Add(float64(n))
	}
}
