// Package metrics exposes Prometheus collectors for the promotion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/linkcascade/internal/captcha"
)

var (
	dispatchesTotal            *prometheus.CounterVec
	dispatchDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	captchaSolvesTotal         *prometheus.CounterVec
	captchaSolveSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promotion_dispatches_total",
				Help: "Adapter invocations, labeled by adapter, level and outcome.",
			},
			[]string{"adapter", "level", "outcome"},
		)

		dispatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promotion_dispatch_duration_seconds",
				Help:    "Histogram of adapter invocation latencies, labeled by adapter.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"adapter"},
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

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promotion_runs_total",
				Help: "Runs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "promotion_active_workers",
				Help: "Number of workers currently running an adapter.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promotion_rate_limit_delays_seconds",
				Help:    "Histogram of per-adapter rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"adapter"},
		)

		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captcha_solves_total",
				Help: "Captcha solve attempts, labeled by provider, kind and result.",
			},
			[]string{"provider", "kind", "result"},
		)

		captchaSolveSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "captcha_solve_duration_seconds",
				Help:    "Histogram of captcha solve durations, labeled by provider.",
				Buckets: []float64{5, 15, 30, 60, 120, 180},
			},
			[]string{"provider"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch records one adapter invocation.
func ObserveDispatch(adapter, level, outcome string, duration time.Duration) {
	dispatchesTotal.WithLabelValues(adapter, level, outcome).Inc()
	dispatchDurationSeconds.WithLabelValues(adapter).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun increments the terminal run counter for the given status.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(adapter string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(adapter).Observe(duration.Seconds())
}

// CaptchaObserver feeds captcha resolver attempts into Prometheus.
type CaptchaObserver struct{}

// ObserveSolve implements captcha.Observer.
func (CaptchaObserver) ObserveSolve(provider string, kind captcha.Kind, solved bool, elapsed time.Duration) {
	result := "failed"
	if solved {
		result = "solved"
	}
	captchaSolvesTotal.WithLabelValues(provider, string(kind), result).Inc()
	captchaSolveSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// WorkerObserver feeds worker dispatches into Prometheus.
type WorkerObserver struct{}

// ObserveDispatch implements worker.Observer.
func (WorkerObserver) ObserveDispatch(adapter, level, outcome string, elapsed time.Duration) {
	ObserveDispatch(adapter, level, outcome, elapsed)
}

// WorkerBusy implements worker.Observer.
func (WorkerObserver) WorkerBusy(delta int) {
	activeWorkers.Add(float64(delta))
}

// RunObserver feeds terminal run states into Prometheus.
type RunObserver struct{}

// ObserveRun implements coordinator.Observer.
func (RunObserver) ObserveRun(status string) {
	ObserveRun(status)
}
