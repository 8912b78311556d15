package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	StoreVersion = "version"
	StoreBinary  = "binary"

	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

var (
	// RequestDuration measures HTTP request latency by route and status code
	RequestDuration *prometheus.HistogramVec

	// DownloadsCounter counts firmware downloads started
	DownloadsCounter prometheus.Counter

	// DownloadBytesCounter counts firmware bytes written to clients
	DownloadBytesCounter prometheus.Counter

	// UploadsCounter counts firmware uploads by result
	UploadsCounter *prometheus.CounterVec

	// ChecksCounter counts update checks by whether an update was offered
	ChecksCounter *prometheus.CounterVec

	// StoreErrorsCounter counts storage failures by store and operation
	StoreErrorsCounter *prometheus.CounterVec

	// MirrorSyncCounter counts mirror replication attempts by result
	MirrorSyncCounter *prometheus.CounterVec

	// FirmwareSizeGauge is the byte size of the firmware currently served
	FirmwareSizeGauge prometheus.Gauge
)

func init() {
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "firmware_registry_request_duration_seconds",
		Help:    "A histogram of HTTP request durations by route and status code",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"route", "code"},
	)

	DownloadsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firmware_registry_downloads",
		Help: "A counter metric for firmware downloads started",
	})

	DownloadBytesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firmware_registry_download_bytes",
		Help: "A counter metric for firmware bytes sent to devices",
	})

	UploadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firmware_registry_uploads",
		Help: "A counter metric for firmware uploads by result",
	},
		[]string{"result"},
	)

	ChecksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firmware_registry_checks",
		Help: "A counter metric for update checks by outcome",
	},
		[]string{"updateAvailable"},
	)

	StoreErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firmware_registry_store_errors",
		Help: "A counter metric for storage errors",
	},
		[]string{"store", "op"},
	)

	MirrorSyncCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firmware_registry_mirror_syncs",
		Help: "A counter metric for firmware mirror replication attempts",
	},
		[]string{"result"},
	)

	FirmwareSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "firmware_registry_firmware_size_bytes",
		Help: "The byte size of the firmware currently served",
	})
}

// StoreError records a storage failure.
func StoreError(store, op string) {
	StoreErrorsCounter.WithLabelValues(store, op).Inc()
}

// Upload records the result of a firmware upload.
func Upload(result string) {
	UploadsCounter.WithLabelValues(result).Inc()
}

// Check records the outcome of an update check.
func Check(updateAvailable bool) {
	label := "false"
	if updateAvailable {
		label = "true"
	}

	ChecksCounter.WithLabelValues(label).Inc()
}

// MirrorSync records the result of a mirror replication.
func MirrorSync(result string) {
	MirrorSyncCounter.WithLabelValues(result).Inc()
}

// ListenAndServe exposes prometheus metrics as /metrics on addr.
//
// The returned server is already listening in the background, the caller
// shuts it down.
func ListenAndServe(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).WithField("addr", addr).Error("metrics listener error")
		}
	}()

	logger.WithField("addr", addr).Info("serving metrics")

	return server
}
