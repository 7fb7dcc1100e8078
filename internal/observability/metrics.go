package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "driver_presence", Name: "drivers_online", Help: "Number of drivers with a live presence record"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_presence", Name: "transitions_total", Help: "Presence state transitions by operation"},
		[]string{"op"},
	)
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_presence", Name: "heartbeats_total", Help: "Heartbeat refreshes by lease context"},
		[]string{"context"},
	)
	DegradedMovesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_presence", Name: "degraded_moves_total", Help: "Pool moves completed without a spatial entry"})

	NearbyQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "driver_presence",
		Name:      "nearby_query_duration_seconds",
		Help:      "Latency of idle-pool nearby searches including the presence join",
		Buckets:   prometheus.DefBuckets,
	})

	ReaperEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_presence", Name: "reaper_evictions_total", Help: "Drivers evicted after heartbeat lapse, by pool"},
		[]string{"pool"},
	)

	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_presence", Name: "event_publish_failures_total", Help: "Lifecycle events that failed to publish"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_presence", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driver_presence",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
