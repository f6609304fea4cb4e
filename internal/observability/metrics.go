package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "assignments_total", Help: "AssignOrder outcomes by result"},
		[]string{"result"},
	)
	AssignLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "assign_latency_seconds", Help: "AssignOrder latency seconds"})
	ExpansionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "search_expansions_total", Help: "Times the ETA bound was relaxed"})
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "offer_outcomes_total", Help: "Offer resolutions by status"},
		[]string{"status"},
	)
	RouteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "route_lookups_total", Help: "Per-candidate routing calls by result"},
		[]string{"result"},
	)
	RouteLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "route_latency_seconds", Help: "Per-candidate routing latency seconds"})
	DataQualityIssues = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "data_quality_issues_total", Help: "Drivers excluded for missing data"})
	RematchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "rematch_queue_depth", Help: "Orders waiting for a rematch worker"})
	SweepProcessed    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "sweep_processed_total", Help: "Items handled by periodic sweeps"},
		[]string{"sweep", "result"},
	)
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "publish_failures_total", Help: "Messages the async producer failed to deliver"},
		[]string{"topic"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
