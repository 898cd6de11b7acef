// Package metrics holds the Prometheus collectors for actions, attempts,
// workers and driver commands. Collectors are registered on the registry
// passed to New so tests can use a private one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

const namespace = "pagewright"

// Metrics is the collector set. A nil *Metrics discards every observation.
type Metrics struct {
	Actions        *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	ActionPolls    prometheus.Histogram

	Attempts *prometheus.CounterVec
	Tests    *prometheus.CounterVec

	WorkersActive  prometheus.Gauge
	WorkerRestarts *prometheus.CounterVec

	DriverCommands *prometheus.CounterVec
	DriverLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "total",
				Help:      "Actions and assertions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "duration_seconds",
				Help:      "Time from action request to completion, including auto-wait",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"kind"},
		),
		ActionPolls: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "action",
				Name:      "polls",
				Help:      "Actionability polls per action",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "attempts_total",
				Help:      "Test attempts by status",
			},
			[]string{"status"},
		),
		Tests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "test",
				Name:      "results_total",
				Help:      "Finished tests by classification",
			},
			[]string{"classification"},
		),
		WorkersActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "active",
				Help:      "Workers holding a live browser process",
			},
		),
		WorkerRestarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "restarts_total",
				Help:      "Browser processes replaced after a worker crash",
			},
			[]string{"reason"},
		),
		DriverCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "commands_total",
				Help:      "Driver commands by kind and result",
			},
			[]string{"kind", "result"},
		),
		DriverLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "latency_seconds",
				Help:      "Driver command round trip time",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"kind"},
		),
	}
}

// ObserveAction records one engine call. outcome is "ok" or an error code.
func (m *Metrics) ObserveAction(kind, outcome string, polls int, d time.Duration) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(kind, outcome).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(d.Seconds())
	if polls > 0 {
		m.ActionPolls.Observe(float64(polls))
	}
}

// ObserveAttempt counts a finished attempt.
func (m *Metrics) ObserveAttempt(status string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(status).Inc()
}

// ObserveTest counts a classified test.
func (m *Metrics) ObserveTest(classification string) {
	if m == nil {
		return
	}
	m.Tests.WithLabelValues(classification).Inc()
}

// WorkerUp and WorkerDown track live workers.
func (m *Metrics) WorkerUp() {
	if m != nil {
		m.WorkersActive.Inc()
	}
}

func (m *Metrics) WorkerDown() {
	if m != nil {
		m.WorkersActive.Dec()
	}
}

// WorkerRestarted counts a replaced browser process.
func (m *Metrics) WorkerRestarted(reason errs.Code) {
	if m == nil {
		return
	}
	m.WorkerRestarts.WithLabelValues(string(reason)).Inc()
}

// ObserveDriver matches driver.ObserveFunc.
func (m *Metrics) ObserveDriver(kind driver.Kind, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	m.DriverCommands.WithLabelValues(string(kind), result).Inc()
	m.DriverLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}
