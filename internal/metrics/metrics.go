// Package metrics provides Prometheus metrics for the ahafs mount.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote API metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahafs_remote_requests_total",
			Help: "Total number of HTTP requests sent to the remote service",
		},
		[]string{"endpoint", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ahafs_remote_request_duration_seconds",
			Help:    "Remote HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Directory load metrics
	directoryLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahafs_directory_loads_total",
			Help: "Total directory loads by directory kind and result",
		},
		[]string{"kind", "result"},
	)

	directoryLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ahafs_directory_load_duration_seconds",
			Help:    "Time to fetch and register one directory's children",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	loadWaitersJoined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ahafs_directory_load_joins_total",
			Help: "Callers that joined an in-flight directory load instead of fetching",
		},
	)

	inodesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ahafs_inodes_registered",
			Help: "Number of identifiers allocated in the inode table",
		},
	)

	// Kernel operation metrics
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahafs_fuse_operations_total",
			Help: "Total filesystem callbacks by operation and result",
		},
		[]string{"op", "result"},
	)

	bytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ahafs_bytes_served_total",
			Help: "Total bytes returned by read callbacks",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordRemoteRequest records one HTTP round trip to the remote service.
// A status of 0 means the request failed before a response arrived.
func RecordRemoteRequest(endpoint string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	remoteRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordDirectoryLoad records a completed directory load.
func RecordDirectoryLoad(kind string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	directoryLoadsTotal.WithLabelValues(kind, result).Inc()
	directoryLoadDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLoadJoin records a caller that shared another caller's fetch.
func RecordLoadJoin() {
	loadWaitersJoined.Inc()
}

// SetInodesRegistered sets the current inode table size.
func SetInodesRegistered(count int) {
	inodesRegistered.Set(float64(count))
}

// RecordOp records a filesystem callback outcome.
func RecordOp(op, result string) {
	fuseOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordBytesServed records bytes returned to the kernel.
func RecordBytesServed(n int) {
	bytesServed.Add(float64(n))
}
