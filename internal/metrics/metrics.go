package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	episodes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "watchdog",
			Name:      "episodes_total",
			Help:      "Number of stall episodes detected, including those inside the grace window.",
		},
	)
	reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "report",
			Name:      "emitted_total",
			Help:      "Number of report lines written, by event kind.",
		}, []string{"event"},
	)
	suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "report",
			Name:      "suppressed_total",
			Help:      "Number of report events not written immediately, by reason.",
		}, []string{"reason"},
	)
	writeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "report",
			Name:      "write_errors_total",
			Help:      "Number of report lines dropped because the output stream failed.",
		},
	)
	captureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "watchdog",
			Name:      "capture_failures_total",
			Help:      "Number of stack snapshots that failed or timed out.",
		},
	)
	blockedSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stallwatch",
			Subsystem: "watchdog",
			Name:      "blocked_seconds",
			Help:      "Duration of closed stall episodes.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	heartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stallwatch",
			Subsystem: "watchdog",
			Name:      "heartbeat_age_seconds",
			Help:      "Age of the newest heartbeat at the last watchdog poll.",
		},
	)
	sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stallwatch",
			Subsystem: "history",
			Name:      "sink_errors_total",
			Help:      "Number of history events that could not be delivered, by reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{episodes, reports, suppressed, writeErrors, captureFailures, blockedSeconds, heartbeatAge, sinkErrors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEpisode() {
	if regOK.Load() {
		episodes.Inc()
	}
}

func IncReport(event string) {
	if regOK.Load() {
		reports.WithLabelValues(event).Inc()
	}
}

func IncSuppressed(reason string) {
	if regOK.Load() {
		suppressed.WithLabelValues(reason).Inc()
	}
}

func IncWriteError() {
	if regOK.Load() {
		writeErrors.Inc()
	}
}

func IncCaptureFailure() {
	if regOK.Load() {
		captureFailures.Inc()
	}
}

func ObserveBlocked(seconds float64) {
	if regOK.Load() {
		blockedSeconds.Observe(seconds)
	}
}

func SetHeartbeatAge(seconds float64) {
	if regOK.Load() {
		heartbeatAge.Set(seconds)
	}
}

func IncSinkError(reason string) {
	if regOK.Load() {
		sinkErrors.WithLabelValues(reason).Inc()
	}
}
