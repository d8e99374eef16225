// Package metrics registers the Prometheus collectors exposed at
// /metrics: breaker state, bulkhead occupancy, rate-limit/load-shed
// rejections, and mutation outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shelfsync/shelfsync/internal/resilience/breaker"
	"github.com/shelfsync/shelfsync/internal/resilience/bulkhead"
)

// Registry bundles every collector the service exposes.
type Registry struct {
	BreakerState      *prometheus.GaugeVec
	BulkheadActive    *prometheus.GaugeVec
	BulkheadQueued    *prometheus.GaugeVec
	RateLimitRejected prometheus.Counter
	LoadShedRejected  prometheus.Counter
	MutationOutcomes  *prometheus.CounterVec
	SyncApplied       prometheus.Counter
	SyncFailed        prometheus.Counter
	SyncDeadLettered  prometheus.Counter
}

// New builds and registers a Registry against reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfsync_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"name"}),
		BulkheadActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfsync_bulkhead_active",
			Help: "Current in-flight executions admitted by a bulkhead.",
		}, []string{"name"}),
		BulkheadQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfsync_bulkhead_queued",
			Help: "Current callers parked in a bulkhead's FIFO queue.",
		}, []string{"name"}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_rate_limit_rejected_total",
			Help: "Requests rejected by the token-bucket rate limiter.",
		}),
		LoadShedRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_load_shed_rejected_total",
			Help: "Requests rejected by the load-shed gate.",
		}),
		MutationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_mutation_outcomes_total",
			Help: "adjustStock/reserveStock outcomes by kind and result.",
		}, []string{"kind", "result"}),
		SyncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_sync_applied_events_total",
			Help: "Events successfully folded into the central aggregate.",
		}),
		SyncFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_sync_failed_events_total",
			Help: "Events that failed to fold and were retried.",
		}),
		SyncDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_sync_dead_lettered_events_total",
			Help: "Events moved to the dead-letter queue.",
		}),
	}

	reg.MustRegister(
		m.BreakerState,
		m.BulkheadActive,
		m.BulkheadQueued,
		m.RateLimitRejected,
		m.LoadShedRejected,
		m.MutationOutcomes,
		m.SyncApplied,
		m.SyncFailed,
		m.SyncDeadLettered,
	)
	return m
}

// BreakerStateValue maps a breaker.State-shaped string to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// SetBreakerState records a guard's current breaker state under name.
func (m *Registry) SetBreakerState(name string, state breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(BreakerStateValue(state.String()))
}

// SetBulkheadStats records a guard's current bulkhead occupancy under name.
func (m *Registry) SetBulkheadStats(name string, stats bulkhead.Stats) {
	m.BulkheadActive.WithLabelValues(name).Set(float64(stats.Active))
	m.BulkheadQueued.WithLabelValues(name).Set(float64(stats.Queued))
}

// ObserveGuard is a convenience wrapper recording both gauges for one
// named bulkhead+breaker pair in a single call.
func (m *Registry) ObserveGuard(name string, state breaker.State, stats bulkhead.Stats) {
	m.SetBreakerState(name, state)
	m.SetBulkheadStats(name, stats)
}

// MutationOutcome increments the outcome counter for one adjustStock or
// reserveStock call.
func (m *Registry) MutationOutcome(kind, result string) {
	m.MutationOutcomes.WithLabelValues(kind, result).Inc()
}
