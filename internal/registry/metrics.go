package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReloadsTotal counts registry reloads.
// Labels: result (success, error)
var ReloadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "promptd",
		Subsystem: "registry",
		Name:      "reloads_total",
		Help:      "Total number of registry reloads by result",
	},
	[]string{"result"},
)
