// Package metrics exposes the engine's process-state-transition and
// restart observability (spec.md §7 Observability) as Prometheus
// collectors. Ported near-verbatim from the teacher's internal/metrics
// package — same CounterVec/GaugeVec shape, same idempotent Register — but
// rescoped: the teacher also tracks start-duration histograms and
// per-base-name running-instance gauges tied to its multi-instance process
// groups, which this engine's single-instance-per-name model has no
// equivalent for, so those two collectors are dropped.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisord",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"service", "process"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisord",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions, labeled by the state entered.",
		}, []string{"service", "process", "state"},
	)

	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supervisord",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "1 for the process's current state, 0 for all others.",
		}, []string{"service", "process", "state"},
	)

	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisord",
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Number of SpawnFailed errors.",
		}, []string{"service", "process"},
	)
)

// Register registers all collectors with r. Safe to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{restarts, stateTransitions, currentState, spawnFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRestart increments the restart counter for service/process.
func RecordRestart(service, process string) {
	restarts.WithLabelValues(service, process).Inc()
}

// RecordSpawnFailure increments the spawn-failure counter.
func RecordSpawnFailure(service, process string) {
	spawnFailures.WithLabelValues(service, process).Inc()
}

// allStates lists every value internal/registry.State can take, by name,
// so RecordTransition can zero out the gauges the process just left.
var allStates = []string{"starting", "running", "stopping", "stopped", "crashed", "failed", "exited"}

// RecordTransition records entry into newState and clears the gauge for
// every other state on the same (service, process) pair.
func RecordTransition(service, process, newState string) {
	stateTransitions.WithLabelValues(service, process, newState).Inc()
	for _, s := range allStates {
		v := 0.0
		if s == newState {
			v = 1.0
		}
		currentState.WithLabelValues(service, process, s).Set(v)
	}
}

// ClearProcess deletes every current_state series for (service, process).
// Called when the process leaves the Registry for good, so a stopped or
// reloaded-away process does not leave a stale current_state{...}=1 sample
// behind.
func ClearProcess(service, process string) {
	for _, s := range allStates {
		currentState.DeleteLabelValues(service, process, s)
	}
}
