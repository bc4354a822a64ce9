// Package metrics exposes Prometheus collectors for the refresher service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	refresherFetchesTotal      *prometheus.CounterVec
	refresherPhase             *prometheus.GaugeVec
	refresherCycleProgress     prometheus.Gauge
	refresherSavesTotal        *prometheus.CounterVec
	refresherPublishesTotal    *prometheus.CounterVec
	gateAdmissionDelaySeconds  prometheus.Histogram
	gateActiveFetches          prometheus.Gauge
	gateReservoirTokens        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

var phases = []string{"stopped", "running", "paused"}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		refresherFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresher_fetches_total",
				Help: "Total number of fetch attempts, labeled by classified outcome.",
			},
			[]string{"outcome"},
		)

		refresherPhase = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refresher_phase",
				Help: "Scheduler phase as a one-hot gauge over stopped/running/paused.",
			},
			[]string{"phase"},
		)

		refresherCycleProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "refresher_cycle_progress_percent",
				Help: "Percentage of the universe refreshed within the staleness threshold.",
			},
		)

		refresherSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresher_saves_total",
				Help: "Total number of dataset save attempts, labeled by result.",
			},
			[]string{"result"},
		)

		refresherPublishesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresher_publishes_total",
				Help: "Total number of refresh event publishes, labeled by result.",
			},
			[]string{"result"},
		)

		gateAdmissionDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gate_admission_delay_seconds",
				Help:    "Histogram of time spent waiting for gate admission.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		)

		gateActiveFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gate_active_fetches",
				Help: "Number of fetches currently holding a concurrency slot.",
			},
		)

		gateReservoirTokens = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gate_reservoir_tokens",
				Help: "Tokens currently available in the gate reservoir.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request totals and latencies for the control surface.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetch increments the fetch counter for the classified outcome.
func ObserveFetch(outcome string) {
	refresherFetchesTotal.WithLabelValues(outcome).Inc()
}

// SetPhase flips the one-hot phase gauge to the given phase.
func SetPhase(phase string) {
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		refresherPhase.WithLabelValues(p).Set(value)
	}
}

// SetCycleProgress records the current cycle completion percentage.
func SetCycleProgress(percent int) {
	refresherCycleProgress.Set(float64(percent))
}

// ObserveSave increments the save counter with an ok or error result.
func ObserveSave(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	refresherSavesTotal.WithLabelValues(result).Inc()
}

// ObservePublish increments the publish counter with an ok or error result.
func ObservePublish(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	refresherPublishesTotal.WithLabelValues(result).Inc()
}

// ObserveGateDelay records how long an admission waited.
func ObserveGateDelay(duration time.Duration) {
	gateAdmissionDelaySeconds.Observe(duration.Seconds())
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	gateActiveFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	gateActiveFetches.Dec()
}

// SetReservoirTokens records the current reservoir level.
func SetReservoirTokens(tokens int) {
	gateReservoirTokens.Set(float64(tokens))
}
