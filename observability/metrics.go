package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	swapMetricsOnce sync.Once
	swapRegistry    *SwapMetrics

	autoSellMetricsOnce sync.Once
	autoSellRegistry    *AutoSellMetrics

	catalogueMetricsOnce sync.Once
	catalogueRegistry    *CatalogueMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics
)

// SwapMetrics instruments the swap execution pipeline.
type SwapMetrics struct {
	swaps   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Swap returns the lazily-initialised swap metrics registry.
func Swap() *SwapMetrics {
	swapMetricsOnce.Do(func() {
		swapRegistry = &SwapMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "swap",
				Name:      "executions_total",
				Help:      "Total swap executions segmented by terminal outcome.",
			}, []string{"outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "swap",
				Name:      "errors_total",
				Help:      "Total swap pipeline errors segmented by stage.",
			}, []string{"stage"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapflow",
				Subsystem: "swap",
				Name:      "duration_seconds",
				Help:      "Wall time from validation to terminal outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(swapRegistry.swaps, swapRegistry.errors, swapRegistry.latency)
	})
	return swapRegistry
}

// ObserveSwap records a completed swap attempt and its duration.
func (m *SwapMetrics) ObserveSwap(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome = normaliseLabel(outcome)
	m.swaps.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordError counts a pipeline failure attributed to a stage.
func (m *SwapMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normaliseLabel(stage)).Inc()
}

// AutoSellMetrics instruments the auto-sell worker.
type AutoSellMetrics struct {
	attempts *prometheus.CounterVec
	pending  prometheus.Gauge
}

// AutoSell returns the lazily-initialised auto-sell metrics registry.
func AutoSell() *AutoSellMetrics {
	autoSellMetricsOnce.Do(func() {
		autoSellRegistry = &AutoSellMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "autosell",
				Name:      "attempts_total",
				Help:      "Auto-sell job attempts segmented by result.",
			}, []string{"result"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swapflow",
				Subsystem: "autosell",
				Name:      "pending_jobs",
				Help:      "Durable auto-sell jobs currently awaiting execution.",
			}),
		}
		prometheus.MustRegister(autoSellRegistry.attempts, autoSellRegistry.pending)
	})
	return autoSellRegistry
}

// RecordAttempt counts one worker invocation outcome.
func (m *AutoSellMetrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(normaliseLabel(result)).Inc()
}

// SetPending publishes the current depth of the durable job queue.
func (m *AutoSellMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// CatalogueMetrics instruments the token catalogue sync engine.
type CatalogueMetrics struct {
	pages    *prometheus.CounterVec
	tokens   prometheus.Counter
	prefetch *prometheus.CounterVec
}

// Catalogue returns the lazily-initialised catalogue metrics registry.
func Catalogue() *CatalogueMetrics {
	catalogueMetricsOnce.Do(func() {
		catalogueRegistry = &CatalogueMetrics{
			pages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "catalogue",
				Name:      "pages_total",
				Help:      "Catalogue pages fetched segmented by outcome.",
			}, []string{"outcome"}),
			tokens: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "catalogue",
				Name:      "tokens_synced_total",
				Help:      "Tokens written to the local catalogue.",
			}),
			prefetch: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "catalogue",
				Name:      "prefetch_total",
				Help:      "Prefetch invocations segmented by disposition.",
			}, []string{"disposition"}),
		}
		prometheus.MustRegister(catalogueRegistry.pages, catalogueRegistry.tokens, catalogueRegistry.prefetch)
	})
	return catalogueRegistry
}

// RecordPage counts one page fetch outcome.
func (m *CatalogueMetrics) RecordPage(outcome string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(normaliseLabel(outcome)).Inc()
}

// AddTokens counts tokens persisted by a bulk write.
func (m *CatalogueMetrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(float64(n))
}

// RecordPrefetch counts a prefetch run, skip, or failure.
func (m *CatalogueMetrics) RecordPrefetch(disposition string) {
	if m == nil {
		return
	}
	m.prefetch.WithLabelValues(normaliseLabel(disposition)).Inc()
}

// RPCMetrics instruments outbound JSON-RPC traffic.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// RPC returns the lazily-initialised JSON-RPC client metrics registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapflow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Outbound JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapflow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for outbound JSON-RPC requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one JSON-RPC round trip.
func (m *RPCMetrics) Observe(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	method = normaliseLabel(method)
	m.requests.WithLabelValues(method, normaliseLabel(outcome)).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func normaliseLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
