// Package metrics provides the Prometheus collectors for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	// Captures counts captures handed to the coordinator.
	// Labels: source (network, dom), platform
	Captures *prometheus.CounterVec

	// Uploads counts upload attempts per conversation.
	// Labels: result (success, error)
	Uploads *prometheus.CounterVec

	// UploadedBatches counts batches acknowledged by the ingestion service.
	UploadedBatches prometheus.Counter

	// Deletes counts remote conversation deletions.
	// Labels: result (success, error)
	Deletes *prometheus.CounterVec

	// Pending is the number of cached batches not yet uploaded.
	Pending prometheus.Gauge

	// UploadDuration tracks upload round trips in seconds.
	UploadDuration prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Captures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Total number of captures received by source and platform",
		}, []string{"source", "platform"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "uploads_total",
			Help:      "Total number of conversation uploads by result",
		}, []string{"result"}),
		UploadedBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "uploaded_batches_total",
			Help:      "Total number of batches accepted by the ingestion service",
		}),
		Deletes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "remote_deletes_total",
			Help:      "Total number of remote conversation deletions by result",
		}, []string{"result"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pending_batches",
			Help:      "Number of cached batches waiting for upload",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "upload_duration_seconds",
			Help:      "Duration of conversation uploads in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordCapture counts one capture.
func (m *Metrics) RecordCapture(source, platform string) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(source, platform).Inc()
}

// RecordUpload records the outcome of one upload of n batches.
func (m *Metrics) RecordUpload(ok bool, n int, seconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(result(ok)).Inc()
	m.UploadDuration.Observe(seconds)
	if ok {
		m.UploadedBatches.Add(float64(n))
	}
}

// RecordDelete records the outcome of a remote deletion.
func (m *Metrics) RecordDelete(ok bool) {
	if m == nil {
		return
	}
	m.Deletes.WithLabelValues(result(ok)).Inc()
}

// SetPending updates the pending gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
