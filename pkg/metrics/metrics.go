package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global collectors, registered on the default registry through promauto.

var (
	// HttpRequestsTotal counts requests by method, route pattern and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagesdb_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "imagesdb_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
			// From sub-millisecond searches to image embedding round trips.
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// TotalVectors tracks the number of records in the collection.
	TotalVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagesdb_vectors_total",
			Help: "Total number of stored and indexed vectors",
		},
	)

	// SearchDuration measures the index search alone, hydration excluded.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagesdb_search_duration_seconds",
			Help:    "Duration of ANN index searches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
	)

	// SearchVisited records how many nodes each search evaluated.
	SearchVisited = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagesdb_search_visited_nodes",
			Help:    "Distinct nodes evaluated per search",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// IngestTotal counts insertions by result (ok, rejected, error).
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagesdb_ingest_total",
			Help: "Record insertions by result",
		},
		[]string{"result"},
	)

	// RepairsTotal counts ids purged by the consistency repair, by the
	// structure they were purged from.
	RepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagesdb_repairs_total",
			Help: "Ids purged by consistency repair",
		},
		[]string{"from"},
	)

	// EventsDropped counts events not delivered to slow subscribers.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagesdb_events_dropped_total",
			Help: "Engine events dropped because a subscriber was not keeping up",
		},
	)
)
