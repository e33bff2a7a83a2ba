package service

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	replays           *prometheus.CounterVec
	tokenDispatches   *prometheus.CounterVec
	reconcileActions  *prometheus.CounterVec
	reconcileFailures *prometheus.CounterVec

	requestCount         uint64
	requestDurationTotal uint64
	transitionCount      uint64
	replayCount          uint64
	tokenDispatchCount   uint64
	reconcileCount       uint64
	reconcileFailCount   uint64
}

// MetricsSnapshot aggregates counters for the JSON summary endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	Transitions              uint64    `json:"transitions"`
	Replays                  uint64    `json:"replays"`
	TokenDispatches          uint64    `json:"tokenDispatches"`
	ReconcileActions         uint64    `json:"reconcileActions"`
	ReconcileFailures        uint64    `json:"reconcileFailures"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sanction_transitions_total",
		Help: "Committed workflow transitions",
	}, []string{"workflow", "trigger", "from", "to"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sanction_replays_total",
		Help: "Delayed or duplicate triggers absorbed as no-ops",
	}, []string{"workflow", "trigger", "state"})

	tokenDispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_token_dispatch_total",
		Help: "Approval token dispatches by outcome",
	}, []string{"outcome"})

	reconcileActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_actions_total",
		Help: "Sanctions advanced or planned by the reconcile sweep",
	}, []string{"kind", "action", "dry_run"})

	reconcileFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_failures_total",
		Help: "Reconcile sweep failures",
	}, []string{"kind"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, replays, tokenDispatches, reconcileActions, reconcileFailures, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		transitions:       transitions,
		replays:           replays,
		tokenDispatches:   tokenDispatches,
		reconcileActions:  reconcileActions,
		reconcileFailures: reconcileFailures,
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveTransition counts one committed transition.
func (m *MetricsService) ObserveTransition(workflow, trigger, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(workflow, trigger, from, to).Inc()
	atomic.AddUint64(&m.transitionCount, 1)
}

// ObserveReplay counts a trigger absorbed by a replay row.
func (m *MetricsService) ObserveReplay(workflow, trigger, state string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(workflow, trigger, state).Inc()
	atomic.AddUint64(&m.replayCount, 1)
}

// ObserveTokenDispatch counts one approval link click by outcome.
func (m *MetricsService) ObserveTokenDispatch(outcome string) {
	if m == nil {
		return
	}
	m.tokenDispatches.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&m.tokenDispatchCount, 1)
}

// ObserveReconcile counts one sweep action.
func (m *MetricsService) ObserveReconcile(kind, action string, dryRun bool) {
	if m == nil {
		return
	}
	m.reconcileActions.WithLabelValues(kind, action, strconv.FormatBool(dryRun)).Inc()
	atomic.AddUint64(&m.reconcileCount, 1)
}

// ObserveReconcileFailure counts one sweep failure.
func (m *MetricsService) ObserveReconcileFailure(kind string) {
	if m == nil {
		return
	}
	m.reconcileFailures.WithLabelValues(kind).Inc()
	atomic.AddUint64(&m.reconcileFailCount, 1)
}

// Snapshot returns aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Transitions:              atomic.LoadUint64(&m.transitionCount),
		Replays:                  atomic.LoadUint64(&m.replayCount),
		TokenDispatches:          atomic.LoadUint64(&m.tokenDispatchCount),
		ReconcileActions:         atomic.LoadUint64(&m.reconcileCount),
		ReconcileFailures:        atomic.LoadUint64(&m.reconcileFailCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
