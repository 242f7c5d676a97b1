// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provledger_appends_total",
		Help: "Total ledger entries appended.",
	})

	appendBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provledger_append_payload_bytes",
		Help:    "Size of appended payloads in bytes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	lastEntryID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provledger_last_entry_id",
		Help: "Id of the most recently appended entry.",
	})

	indexEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provledger_index_entries",
		Help: "Entries held in the in-memory index.",
	})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_rotations_total",
		Help: "Total segment rotations by result.",
	}, []string{"result"})

	retainedSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provledger_retained_segments",
		Help: "Sealed segments currently on disk.",
	})

	anchorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_anchors_total",
		Help: "Total checkpoint anchoring attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnchor records a checkpoint anchoring outcome.
func RecordAnchor(success bool) {
	anchorsTotal.WithLabelValues(result(success)).Inc()
}

// RecordPayloadSize records the size of a payload accepted for append.
func RecordPayloadSize(n int) {
	appendBytes.Observe(float64(n))
}

// SetIndexSize seeds the index gauge after the ledger is opened.
func SetIndexSize(n int) {
	indexEntries.Set(float64(n))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ── ledger observer ──────────────────────────────────────────────────────────

// LedgerObserver feeds ledger events into the collectors above.
type LedgerObserver struct{}

// Appended implements ledger.Observer.
func (LedgerObserver) Appended(r ledger.Receipt) {
	appendsTotal.Inc()
	indexEntries.Inc()
	lastEntryID.Set(float64(r.ID))
}

// Rotated implements ledger.Observer.
func (LedgerObserver) Rotated(_ ledger.Checkpoint, retained int) {
	rotationsTotal.WithLabelValues("success").Inc()
	retainedSegments.Set(float64(retained))
}

// RotationFailed implements ledger.Observer.
func (LedgerObserver) RotationFailed(error) {
	rotationsTotal.WithLabelValues("failure").Inc()
}
