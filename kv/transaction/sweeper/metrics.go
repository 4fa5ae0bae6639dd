package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sweeperCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "sweeper",
			Name:      "records_total",
			Help:      "Counter of transaction records visited by sweeps, by outcome.",
		}, []string{"outcome"})

	sweeperImageCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "sweeper",
			Name:      "orphan_images_total",
			Help:      "Counter of images dropped because their transaction record was gone.",
		})

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytxn",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Bucketed histogram of the duration (s) of one sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(sweeperCounter)
	prometheus.MustRegister(sweeperImageCounter)
	prometheus.MustRegister(sweepDuration)
}
