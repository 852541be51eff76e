// Package http provides the HTTP transport adapter for the gate.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gate. Pass to components
// that need to record metrics.
type Metrics struct {
	AdmissionsTotal     *prometheus.CounterVec
	ProposalTransitions *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	AuditSeq            prometheus.Gauge
	RateLimitKeys       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AdmissionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion_gate",
				Name:      "admissions_total",
				Help:      "Total admission decisions",
			},
			[]string{"outcome"}, // outcome=admitted or the denial kind
		),
		ProposalTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bastion_gate",
				Name:      "proposal_transitions_total",
				Help:      "Total proposal state transitions observed at the API",
			},
			[]string{"status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bastion_gate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		AuditSeq: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bastion_gate",
				Name:      "audit_seq",
				Help:      "Sequence number of the last audit record",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bastion_gate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit identities",
			},
		),
	}
}
