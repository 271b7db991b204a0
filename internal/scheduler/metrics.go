package scheduler

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// Metrics collects Prometheus counters and histograms for dwarfd.
type Metrics struct {
	registry               *prometheus.Registry
	sessionOutcomesTotal   *prometheus.CounterVec
	sessionDurationSeconds *prometheus.HistogramVec
	sweepsTotal            prometheus.Counter
	busyCyclesTotal        prometheus.Counter
	recoveredTotal         *prometheus.CounterVec
	deviceRequestsTotal    *prometheus.CounterVec
	deviceRequestAttempts  *prometheus.HistogramVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessionOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dwarf",
			Subsystem: "session",
			Name:      "outcomes_total",
			Help:      "Session executions by recorded outcome.",
		},
		[]string{"status"},
	)
	sessionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dwarf",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall time of a session execution from ToDo to its outcome.",
			Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600, 7200, 14400, 28800},
		},
		[]string{"status"},
	)
	sweepsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwarf",
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Scheduler loop cycles.",
		},
	)
	busyCyclesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwarf",
			Subsystem: "scheduler",
			Name:      "busy_cycles_total",
			Help:      "Cycles skipped because another controller holds the telescope.",
		},
	)
	recoveredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dwarf",
			Subsystem: "scheduler",
			Name:      "recovered_total",
			Help:      "Sessions moved out of Running by recovery, by destination.",
		},
		[]string{"to"},
	)
	deviceRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dwarf",
			Subsystem: "device",
			Name:      "requests_total",
			Help:      "Telescope API requests by endpoint and result.",
		},
		[]string{"path", "result"},
	)
	deviceRequestAttempts := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dwarf",
			Subsystem: "device",
			Name:      "request_attempts",
			Help:      "Attempts spent per telescope API request.",
			Buckets:   []float64{1, 2, 3, 5},
		},
		[]string{"result"},
	)

	registry.MustRegister(
		sessionOutcomesTotal,
		sessionDurationSeconds,
		sweepsTotal,
		busyCyclesTotal,
		recoveredTotal,
		deviceRequestsTotal,
		deviceRequestAttempts,
	)

	return &Metrics{
		registry:               registry,
		sessionOutcomesTotal:   sessionOutcomesTotal,
		sessionDurationSeconds: sessionDurationSeconds,
		sweepsTotal:            sweepsTotal,
		busyCyclesTotal:        busyCyclesTotal,
		recoveredTotal:         recoveredTotal,
		deviceRequestsTotal:    deviceRequestsTotal,
		deviceRequestAttempts:  deviceRequestAttempts,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOutcome(status models.HistoryStatus, duration time.Duration) {
	if m == nil {
		return
	}
	label := string(status)
	if label == "" {
		label = "unknown"
	}
	m.sessionOutcomesTotal.WithLabelValues(label).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.sessionDurationSeconds.WithLabelValues(label).Observe(seconds)
	}
}

func (m *Metrics) IncSweep() {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
}

func (m *Metrics) IncBusyCycle() {
	if m == nil {
		return
	}
	m.busyCyclesTotal.Inc()
}

func (m *Metrics) AddRecovered(to models.SessionState, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recoveredTotal.WithLabelValues(string(to)).Add(float64(n))
}

// ObserveDeviceRequest satisfies device.RequestObserver.
func (m *Metrics) ObserveDeviceRequest(path, result string, attempts int) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.deviceRequestsTotal.WithLabelValues(path, result).Inc()
	if attempts > 0 {
		m.deviceRequestAttempts.WithLabelValues(result).Observe(float64(attempts))
	}
}
