package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionEventsTotal counts persisted session transitions.
	// Labels: event (created, advanced, gate_pending, completed, aborted)
	SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "chain",
			Name:      "session_events_total",
			Help:      "Total number of chain session transitions by event",
		},
		[]string{"event"},
	)

	// VerdictsTotal counts applied gate verdicts and actions.
	// Labels: outcome (pass, fail, exhausted, retry, skip, abort)
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "chain",
			Name:      "verdicts_total",
			Help:      "Total number of gate verdicts and gate actions applied",
		},
		[]string{"outcome"},
	)

	// ActiveSessions tracks non-terminal sessions written by this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptd",
			Subsystem: "chain",
			Name:      "active_sessions",
			Help:      "Number of live chain sessions created by this process",
		},
	)

	// SweptTotal counts sessions removed by the stale sweep.
	SweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "chain",
			Name:      "swept_sessions_total",
			Help:      "Total number of stale chain sessions removed",
		},
	)

	// StoreErrorsTotal counts store failures.
	// Labels: op (get, put, delete, list, stale), kind (error kind)
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "chain",
			Name:      "store_errors_total",
			Help:      "Total number of chain session store failures",
		},
		[]string{"op", "kind"},
	)
)
