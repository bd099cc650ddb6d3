// Package metrics exposes sync-engine counters to Prometheus. The kiosk
// UI never reads these; they exist for operators watching a fleet of
// terminals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for remote calls.
const (
	OutcomeSuccess      = "success"
	OutcomeConnectivity = "connectivity"
	OutcomeTransient    = "transient"
	OutcomePermanent    = "permanent"
)

// Metrics bundles the sync-engine instrumentation.
type Metrics struct {
	DrainPasses     prometheus.Counter
	DrainAborts     prometheus.Counter
	ActionsResolved prometheus.Counter
	RemoteCalls     *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	QueueFailed     prometheus.Gauge
	Online          prometheus.Gauge
}

// New registers the instruments on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DrainPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeclock_drain_passes_total",
			Help: "Completed queue drain passes, including aborted ones.",
		}),
		DrainAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeclock_drain_aborts_total",
			Help: "Drain passes aborted on a connectivity failure.",
		}),
		ActionsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "timeclock_actions_resolved_total",
			Help: "Queued actions confirmed by the remote system and removed.",
		}),
		RemoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeclock_remote_calls_total",
			Help: "Remote attendance API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "timeclock_queue_depth",
			Help: "Actions currently waiting in the durable queue.",
		}),
		QueueFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "timeclock_queue_failed",
			Help: "Queued actions that exhausted their retry budget.",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "timeclock_online",
			Help: "1 while the remote API is reachable.",
		}),
	}
}
