// Package observability holds the Prometheus collectors for the SwitchForge
// runtime. Collectors are package-level and registered via promauto; the
// debug server exposes them on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveMachines tracks the number of machines in the registry's active set.
	ActiveMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchforge_active_machines",
		Help: "Current number of machines in the active set",
	})

	// EventsTotal counts sendEvent calls by outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchforge_events_total",
		Help: "Total events routed through the registry, by outcome",
	}, []string{"outcome"})

	// IgnoredEvents counts ignored events by reason.
	IgnoredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchforge_ignored_events_total",
		Help: "Events that produced neither a transition nor a stay action, by reason",
	}, []string{"reason"})

	// TransitionDuration tracks how long the transition procedure takes,
	// including user actions and the synchronous part of persistence.
	TransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchforge_transition_duration_seconds",
		Help:    "Duration of state transitions including entry/exit actions",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
	})

	// TransitionsTotal counts completed state transitions.
	TransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchforge_transitions_total",
		Help: "Total completed state transitions",
	})

	// TimeoutTransitions counts transitions driven by a state timeout.
	TimeoutTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchforge_timeout_transitions_total",
		Help: "Transitions triggered by a state-scoped timeout firing",
	})

	// Evictions counts removals from the active set by cause.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchforge_evictions_total",
		Help: "Machines evicted from the active set, by cause",
	}, []string{"cause"}) // final, offline, idle, explicit

	// MachineCreations counts fresh machine creations (registered or
	// auto-created on a trigger event).
	MachineCreations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchforge_machine_creations_total",
		Help: "Machines created fresh",
	})

	// MachineRehydrations counts machines rebuilt from persistence.
	MachineRehydrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchforge_machine_rehydrations_total",
		Help: "Machines rehydrated from the persistence port",
	})

	// SaveQueueDepth tracks the async save queue backlog.
	SaveQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchforge_save_queue_depth",
		Help: "Pending snapshots in the asynchronous save queue",
	})

	// SaveFailures counts persistence failures by operation.
	SaveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchforge_persistence_failures_total",
		Help: "Persistence port failures, by operation",
	}, []string{"op"})

	// ListenerPanics counts observer callbacks that panicked and were
	// contained.
	ListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchforge_listener_panics_total",
		Help: "Observer callbacks that panicked and were recovered",
	})

	// DebugClients tracks connected live-debug websocket clients.
	DebugClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchforge_debug_clients",
		Help: "Currently connected live-debug websocket clients",
	})
)
