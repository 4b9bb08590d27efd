// Package metrics exposes prometheus collectors for the node role.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wtc_workers_running",
			Help: "Number of currently running workers",
		},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_workers_spawned_total",
			Help: "Total number of workers spawned",
		},
	)

	WorkersExited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtc_workers_exited_total",
			Help: "Total number of workers that ended, by outcome",
		},
		[]string{"outcome"},
	)

	// Bundle cache metrics
	BundleUploads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_bundle_uploads_total",
			Help: "Total number of bundle artifacts uploaded",
		},
	)

	BundleCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_bundle_cache_hits_total",
			Help: "Total number of bundle describe requests answered from cache",
		},
	)

	BundleCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_bundle_cache_misses_total",
			Help: "Total number of bundle describe requests for uncached fingerprints",
		},
	)

	// Stream metrics
	EventLinesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_event_lines_written_total",
			Help: "Total number of event records written to readers",
		},
	)

	ControlLinesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wtc_control_lines_read_total",
			Help: "Total number of control records received from clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersRunning,
		WorkersSpawned,
		WorkersExited,
		BundleUploads,
		BundleCacheHits,
		BundleCacheMisses,
		EventLinesWritten,
		ControlLinesRead,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
