// Package metrics exposes Prometheus metrics for registration attempts,
// browser sessions, blocking and token capture.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/marketpost/internal/models"
)

// Namespace is the namespace for all metrics
const Namespace = "marketpost"

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal     *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	StepFailures      *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionRecoveries *prometheus.CounterVec
	BlockingSignals   *prometheus.CounterVec
	Rotations         *prometheus.CounterVec
	TokenCaptures     *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.AttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attempts_total",
			Help:      "Registration attempts by platform, path and outcome",
		},
		[]string{"platform", "via", "outcome"},
	)

	m.AttemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of registration attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
		},
		[]string{"platform", "via"},
	)

	m.StepFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "step_failures_total",
			Help:      "Worker failures by platform, state and error code",
		},
		[]string{"platform", "state", "code"},
	)

	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "browser",
			Name:      "sessions_active",
			Help:      "Browser sessions currently open",
		},
	)

	m.SessionRecoveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "browser",
			Name:      "session_recoveries_total",
			Help:      "Dead sessions replaced with a fresh browser",
		},
		[]string{"platform"},
	)

	m.BlockingSignals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "blocking",
			Name:      "signals_total",
			Help:      "Blocking signals observed per platform",
		},
		[]string{"platform"},
	)

	m.Rotations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "blocking",
			Name:      "rotations_total",
			Help:      "IP rotations requested per platform",
		},
		[]string{"platform"},
	)

	m.TokenCaptures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tokens",
			Name:      "captures_total",
			Help:      "Token capture outcomes by strategy",
		},
		[]string{"platform", "strategy", "outcome"},
	)

	m.APIRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Direct private-API registration requests by status code",
		},
		[]string{"platform", "status"},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordResult counts a finished attempt
func (m *Metrics) RecordResult(result *models.AutomationResult) {
	if m == nil || result == nil {
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	via := result.Via
	if via == "" {
		via = models.ViaBrowser
	}
	m.AttemptsTotal.WithLabelValues(result.Platform, via, outcome).Inc()
	m.AttemptDuration.WithLabelValues(result.Platform, via).Observe(float64(result.ExecutionTimeMs) / 1000)
}

func (m *Metrics) StepFailed(platform string, state models.WorkerState, code models.ErrorCode) {
	if m == nil {
		return
	}
	m.StepFailures.WithLabelValues(platform, string(state), string(code)).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) SessionRecovered(platform string) {
	if m == nil {
		return
	}
	m.SessionRecoveries.WithLabelValues(platform).Inc()
}

func (m *Metrics) BlockingSignal(platform string) {
	if m == nil {
		return
	}
	m.BlockingSignals.WithLabelValues(platform).Inc()
}

func (m *Metrics) Rotation(platform string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(platform).Inc()
}

func (m *Metrics) TokenCapture(platform, strategy string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.TokenCaptures.WithLabelValues(platform, strategy, outcome).Inc()
}

func (m *Metrics) APIRequest(platform string, status int) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(platform, strconv.Itoa(status)).Inc()
}
