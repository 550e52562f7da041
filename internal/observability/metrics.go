// Package observability holds the Prometheus metrics of the pipeline.
//
// Metrics are registered on a caller-supplied registry so tests and the
// serve command each own one. Every method is safe on a nil *Metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "schemapilot"

type Metrics struct {
	// Transitions counts lifecycle transitions. Labels: from, to.
	Transitions *prometheus.CounterVec

	// ReplayQueries counts replayed queries. Labels: side (baseline, proposed), result (ok, error).
	ReplayQueries *prometheus.CounterVec

	// SandboxesInUse is the number of leased sandboxes.
	SandboxesInUse prometheus.Gauge

	// SandboxAcquireSeconds measures the wait for a sandbox slot plus provisioning.
	SandboxAcquireSeconds prometheus.Histogram

	// RiskScore records computed risk scores.
	RiskScore prometheus.Histogram

	// Deployments counts finished deployments. Labels: outcome.
	Deployments *prometheus.CounterVec

	// Notifications counts dispatch attempts. Labels: kind, result (delivered, failed).
	Notifications *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		ReplayQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "replay",
			Name:      "queries_total",
			Help:      "Replayed queries by sandbox side and result.",
		}, []string{"side", "result"}),
		SandboxesInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sandbox",
			Name:      "in_use",
			Help:      "Sandboxes currently leased.",
		}),
		SandboxAcquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sandbox",
			Name:      "acquire_seconds",
			Help:      "Time to obtain a provisioned sandbox.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120},
		}),
		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "impact",
			Name:      "risk_score",
			Help:      "Computed risk scores.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		Deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "deployment",
			Name:      "finished_total",
			Help:      "Finished deployments by outcome.",
		}, []string{"outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "notify",
			Name:      "dispatch_total",
			Help:      "Notification dispatch attempts by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) ObserveTransition(from string, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveReplay(side string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ReplayQueries.WithLabelValues(side, result).Inc()
}

func (m *Metrics) SandboxAcquired(seconds float64) {
	if m == nil {
		return
	}
	m.SandboxesInUse.Inc()
	m.SandboxAcquireSeconds.Observe(seconds)
}

func (m *Metrics) SandboxReleased() {
	if m == nil {
		return
	}
	m.SandboxesInUse.Dec()
}

func (m *Metrics) ObserveRisk(score float64) {
	if m == nil {
		return
	}
	m.RiskScore.Observe(score)
}

func (m *Metrics) ObserveDeployment(outcome string) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotification(kind string, delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}
