package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceivedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "events_received_total", Help: "Total socket events received"})
	EventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "events_duplicate_total", Help: "Events dropped as duplicates by the reducers"})
	EventsStaleTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "events_stale_total", Help: "Events dropped as stale by the reducers"})
	ReconnectsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "reconnect_attempts_total", Help: "Reconnect attempts scheduled"})
	ElectionsTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "elections_total", Help: "Leader elections run"})
	Connected            = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "connected", Help: "1 while the leader holds an open socket"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "http_requests_total", Help: "Total HTTP requests handled by the harness"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_realtime",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
