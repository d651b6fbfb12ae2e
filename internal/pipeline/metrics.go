package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "promptd",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run wall time",
			Buckets:   prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptd",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"stage"},
	)

	StageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Stage failures by stage and error kind",
		},
		[]string{"stage", "kind"},
	)

	EarlyExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "pipeline",
			Name:      "early_exits_total",
			Help:      "Runs ended by the named stage setting a response",
		},
		[]string{"stage"},
	)
)
