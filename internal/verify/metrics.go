package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "verify",
			Name:      "runs_total",
			Help:      "Shell verification runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "promptd",
			Subsystem: "verify",
			Name:      "run_duration_seconds",
			Help:      "Shell verification wall time",
			Buckets:   []float64{.05, .25, 1, 5, 15, 60, 300, 600},
		},
	)
)
