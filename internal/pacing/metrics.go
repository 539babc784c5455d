package pacing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_active_loops",
		Help: "Dispatch loops currently hosted by this process.",
	})

	limiterWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_limiter_wait_seconds",
		Help:    "Time spent waiting for a per-instance send token.",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 15, 60},
	})
)
