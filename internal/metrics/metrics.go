// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-file transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmiscopy_transfers_total",
			Help: "File operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmiscopy_transfer_bytes_total",
			Help: "Bytes written to the remote repository or the local tree",
		},
		[]string{"action"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmiscopy_transfer_duration_seconds",
			Help:    "Duration of a single file operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Repository client metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmiscopy_remote_requests_total",
			Help: "HTTP requests sent to the CMIS repository",
		},
		[]string{"method", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cmiscopy_remote_request_duration_seconds",
			Help:    "CMIS request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Registry metrics
	registryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmiscopy_registry_entries",
			Help: "Number of node versions tracked in the version registry",
		},
	)

	registryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmiscopy_registry_writes_total",
			Help: "Version registry writes",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer records the outcome of one upload or download.
func RecordTransfer(action, outcome string, bytes int64, duration time.Duration) {
	transfersTotal.WithLabelValues(action, outcome).Inc()
	if bytes > 0 {
		transferBytes.WithLabelValues(action).Add(float64(bytes))
	}
	transferDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRemoteRequest records a request to the repository. status is 0 when
// the request never got a response.
func RecordRemoteRequest(method string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteRequestsTotal.WithLabelValues(method, label).Inc()
	remoteRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetRegistryEntries sets the tracked node count.
func SetRegistryEntries(n int) {
	registryEntries.Set(float64(n))
}

// RecordRegistryWrite records a registry upsert.
func RecordRegistryWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	registryWritesTotal.WithLabelValues(status).Inc()
}
