package poller

import (
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "poller",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of snapshot fetches in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"endpoint"})

	fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "poller",
		Name:      "fetch_errors_total",
		Help:      "Failed snapshot fetches by endpoint.",
	}, []string{"endpoint"})

	recordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "poller",
		Name:      "records_skipped_total",
		Help:      "Snapshot records dropped for lacking a transaction_id.",
	}, []string{"endpoint"})

	timerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "poller",
		Name:      "panics_total",
		Help:      "Panics recovered in poll runs.",
	})
)

func init() {
	prometheus.MustRegister(fetchDuration, fetchErrors, recordsSkipped, timerPanics)
}
