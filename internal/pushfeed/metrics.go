package pushfeed

import (
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	feedConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pushfeed",
		Name:      "connected",
		Help:      "1 while the push feed connection is up.",
	})

	feedConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pushfeed",
		Name:      "connects_total",
		Help:      "Connection attempts by result (success, failure).",
	}, []string{"result"})

	feedDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pushfeed",
		Name:      "disconnects_total",
		Help:      "Established connections that were lost.",
	})

	feedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pushfeed",
		Name:      "events_total",
		Help:      "Event frames by result (delivered, ignored, dropped).",
	}, []string{"result"})

	feedMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "pushfeed",
		Name:      "malformed_frames_total",
		Help:      "Frames that could not be decoded.",
	})
)

func init() {
	prometheus.MustRegister(feedConnected, feedConnects, feedDisconnects, feedEvents, feedMalformed)
}
