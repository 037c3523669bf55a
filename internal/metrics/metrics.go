// Package metrics holds the Prometheus collectors shared by forge services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups forge's collectors. A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - forge_sessions_started_total - sessions accepted by the orchestrator
//   - forge_sessions_finished_total{state} - sessions reaching completed or failed
//   - forge_sessions_active - sessions currently running
//   - forge_commands_total{outcome} - workspace commands executed (ok, failed, rejected)
//   - forge_step_duration_seconds - wall time per plan step
//   - forge_reconcile_cycles_total - reconciler passes
//   - forge_sync_statuses{state} - branches per sync state after the last pass
//   - forge_fast_forwards_total - automatic fast-forwards applied
//   - forge_conflict_resolutions_total{strategy} - ResolveConflicts invocations
type Metrics struct {
	SessionsStarted     prometheus.Counter
	SessionsFinished    *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	Commands            *prometheus.CounterVec
	StepDuration        prometheus.Histogram
	ReconcileCycles     prometheus.Counter
	SyncStatuses        *prometheus.GaugeVec
	FastForwards        prometheus.Counter
	ConflictResolutions *prometheus.CounterVec
}

// New registers forge's collectors with reg. Passing prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_sessions_started_total",
			Help: "Total number of agent sessions started",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_sessions_finished_total",
			Help: "Total number of agent sessions that reached a terminal state",
		}, []string{"state"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "forge_sessions_active",
			Help: "Number of agent sessions currently running",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_commands_total",
			Help: "Total number of workspace commands by outcome",
		}, []string{"outcome"}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_step_duration_seconds",
			Help:    "Duration of plan step execution in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}),
		ReconcileCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_reconcile_cycles_total",
			Help: "Total number of reconciler passes",
		}),
		SyncStatuses: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_sync_statuses",
			Help: "Number of workspace branches in each sync state",
		}, []string{"state"}),
		FastForwards: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_fast_forwards_total",
			Help: "Total number of automatic fast-forwards",
		}),
		ConflictResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_conflict_resolutions_total",
			Help: "Total number of conflict resolution requests by strategy",
		}, []string{"strategy"}),
	}
}

// SessionStarted records a newly accepted session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// SessionFinished records a session reaching state.
func (m *Metrics) SessionFinished(state string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(state).Inc()
	m.SessionsActive.Dec()
}

// Command records one workspace command outcome.
func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(outcome).Inc()
}

// Step records how long a plan step took.
func (m *Metrics) Step(seconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.Observe(seconds)
}

// Cycle records a reconciler pass and the resulting per-state counts.
func (m *Metrics) Cycle(counts map[string]int) {
	if m == nil {
		return
	}
	m.ReconcileCycles.Inc()
	m.SyncStatuses.Reset()
	for state, n := range counts {
		m.SyncStatuses.WithLabelValues(state).Set(float64(n))
	}
}

// FastForward records an automatic fast-forward.
func (m *Metrics) FastForward() {
	if m == nil {
		return
	}
	m.FastForwards.Inc()
}

// ConflictResolution records a ResolveConflicts call.
func (m *Metrics) ConflictResolution(strategy string) {
	if m == nil {
		return
	}
	m.ConflictResolutions.WithLabelValues(strategy).Inc()
}
