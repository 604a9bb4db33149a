// Package prometheus holds the Prometheus collector implementations for the
// durable checkpoint stores.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/vrnode/pkg/metrics"
)

// CheckpointStoreMetrics instruments checkpoint-store access: read/write
// latency plus hit/miss counts, labeled by backend ("badger", "s3") so both
// stores share one set of collectors.
type CheckpointStoreMetrics struct {
	readLatency  *prometheus.HistogramVec
	writeLatency *prometheus.HistogramVec
	reads        *prometheus.CounterVec
	writes       *prometheus.CounterVec
}

var (
	storeOnce    sync.Once
	storeMetrics *CheckpointStoreMetrics
)

// CheckpointStore returns the process-wide checkpoint-store collectors, or
// nil if metrics are not enabled (InitRegistry not called). The collectors
// are created once; both store backends share them via the backend label.
func CheckpointStore() *CheckpointStoreMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	storeOnce.Do(func() {
		reg := metrics.GetRegistry()
		storeMetrics = &CheckpointStoreMetrics{
			readLatency: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vrnode_checkpoint_store_read_seconds",
					Help:    "Latency of checkpoint reads from the durable store",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			writeLatency: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vrnode_checkpoint_store_write_seconds",
					Help:    "Latency of checkpoint writes to the durable store",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			reads: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "vrnode_checkpoint_store_reads_total",
					Help: "Total checkpoint reads by backend and outcome",
				},
				[]string{"backend", "outcome"}, // outcome: "hit", "miss"
			),
			writes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "vrnode_checkpoint_store_writes_total",
					Help: "Total checkpoint writes by backend and outcome",
				},
				[]string{"backend", "outcome"}, // outcome: "ok", "error"
			),
		}
	})
	return storeMetrics
}

// ObserveRead records one read against backend. hit is false when the store
// had no checkpoint (or the read failed).
func (m *CheckpointStoreMetrics) ObserveRead(backend string, d time.Duration, hit bool) {
	if m == nil {
		return
	}
	m.readLatency.WithLabelValues(backend).Observe(d.Seconds())
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.reads.WithLabelValues(backend, outcome).Inc()
}

// ObserveWrite records one write against backend.
func (m *CheckpointStoreMetrics) ObserveWrite(backend string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.writeLatency.WithLabelValues(backend).Observe(d.Seconds())
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.writes.WithLabelValues(backend, outcome).Inc()
}
