package reconciliation

import (
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "store",
		Name:      "records",
		Help:      "Number of records currently held, by view (alerts, history, total).",
	}, []string{"view"})

	storePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "store",
		Name:      "pushes_total",
		Help:      "Pushed records applied, by result (inserted, updated, dropped).",
	}, []string{"result"})

	storeSnapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "store",
		Name:      "snapshots_total",
		Help:      "Snapshots applied, by source.",
	}, []string{"source"})

	storePruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "store",
		Name:      "pruned_total",
		Help:      "Records removed because they left both the alert and history views.",
	})

	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "store",
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because a subscriber buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(
		storeRecords,
		storePushes,
		storeSnapshots,
		storePruned,
		notificationsDropped,
	)
}
