package enforce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the enforcement loop's Prometheus collectors.
type Metrics struct {
	Cycles             prometheus.Counter
	CyclesSkipped      prometheus.Counter
	CycleDuration      prometheus.Histogram
	UsersDisabled      *prometheus.CounterVec
	ConfigsRevoked     prometheus.Counter
	RevocationFailures prometheus.Counter
}

// NewMetrics registers the enforcement collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_enforce_cycles_total",
			Help: "Completed enforcement cycles.",
		}),
		CyclesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_enforce_cycles_skipped_total",
			Help: "Cycles skipped because the previous one was still running.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_enforce_cycle_duration_seconds",
			Help:    "Wall time of an enforcement cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		UsersDisabled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_enforce_users_disabled_total",
			Help: "Users disabled by the enforcement loop.",
		}, []string{"reason"}),
		ConfigsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_enforce_configs_revoked_total",
			Help: "Configs revoked by the enforcement loop.",
		}),
		RevocationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_enforce_revocation_failures_total",
			Help: "Revocations that failed and were left for the next cycle.",
		}),
	}
}
