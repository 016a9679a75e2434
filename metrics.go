package talon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// factoryMetrics holds the factory's Prometheus collectors.
// With no Registerer configured they register against a private
// registry, so the instrumentation calls stay valid either way.
type factoryMetrics struct {
	activeSessions prometheus.Gauge
	activeJobs     prometheus.Gauge

	// Job outcomes: ok, error, cancelled.
	jobs *prometheus.CounterVec

	// Requests satisfied without a new connection,
	// by match type: key, destination, ip.
	pooled *prometheus.CounterVec

	// Migration attempts by trigger and result.
	migrations *prometheus.CounterVec

	// Raced certificate verifications by outcome: used, mismatch, late.
	certRaces *prometheus.CounterVec
}

func newFactoryMetrics(reg prometheus.Registerer) *factoryMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	fac := promauto.With(reg)

	return &factoryMetrics{
		activeSessions: fac.NewGauge(prometheus.GaugeOpts{
			Namespace: "talon",
			Name:      "active_sessions",
			Help:      "Number of live pooled sessions.",
		}),
		activeJobs: fac.NewGauge(prometheus.GaugeOpts{
			Namespace: "talon",
			Name:      "active_jobs",
			Help:      "Number of in-flight connection attempts.",
		}),
		jobs: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Name:      "jobs_total",
			Help:      "Completed connection attempts by result.",
		}, []string{"result"}),
		pooled: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Name:      "pooled_total",
			Help:      "Requests satisfied from the pool by match type.",
		}, []string{"match"}),
		migrations: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Name:      "migrations_total",
			Help:      "Session migration attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		certRaces: fac.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Name:      "cert_races_total",
			Help:      "Raced certificate verifications by outcome.",
		}, []string{"outcome"}),
	}
}
