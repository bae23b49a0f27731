package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the authorization engine.
// Pass to NewEngine; a nil Metrics disables instrumentation.
type Metrics struct {
	AuthorizationsTotal *prometheus.CounterVec
	AuthorizeDuration   prometheus.Histogram
	GrantsTotal         prometheus.Counter
	RevocationsTotal    *prometheus.CounterVec
	ActiveKeys          prometheus.Gauge
	AuditDropsTotal     prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AuthorizationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keywarden",
				Name:      "authorizations_total",
				Help:      "Total authorization attempts",
			},
			[]string{"result"}, // result=allowed or the denial reason
		),
		AuthorizeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "keywarden",
				Name:      "authorize_duration_seconds",
				Help:      "Authorize call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		GrantsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "keywarden",
				Name:      "grants_total",
				Help:      "Total session key grants",
			},
		),
		RevocationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keywarden",
				Name:      "revocations_total",
				Help:      "Total session key revocations",
			},
			[]string{"mode"}, // mode=single/emergency
		),
		ActiveKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keywarden",
				Name:      "active_keys",
				Help:      "Number of active session keys",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "keywarden",
				Name:      "audit_drops_total",
				Help:      "Total audit events dropped due to sink errors",
			},
		),
	}
}
