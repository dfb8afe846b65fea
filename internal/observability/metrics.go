package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "site_logistics"

var (
	ActiveWatches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_watches", Help: "Number of live location watches"})

	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_accepted_total", Help: "Location samples accepted for processing"})
	SamplesDropped  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "samples_dropped_total", Help: "Location samples dropped before processing"},
		[]string{"reason"},
	)
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "source_errors_total", Help: "Errors reported by the device location source"},
		[]string{"kind"},
	)

	StoreWrites        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "store_writes_total", Help: "Successful ticket writes from the tracking path"})
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "store_write_failures_total", Help: "Failed ticket writes from the tracking path (not retried)"})

	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "alerts_fired_total", Help: "Geofence alerts fired"},
		[]string{"tier"},
	)
	AlertsSurfaced = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "alerts_surfaced_total", Help: "Alerts appended to dispatcher feeds"})
	Arrivals       = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "arrivals_total", Help: "Tickets transitioned to arrived"},
		[]string{"source"},
	)
	BoardBuildLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "board_build_seconds", Help: "Fleet board build latency"})
	FeedDegraded      = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "feed_degraded", Help: "1 while a project's change feed is failing"},
		[]string{"project"},
	)
	WarRoomSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "warroom_sessions", Help: "Connected dispatcher websocket sessions"})

	WebsocketSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "websocket_session_seconds",
			Help:      "Lifetime of upgraded websocket sessions",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"route"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
