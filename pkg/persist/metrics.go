package persist

import (
	"time"

	vrprom "github.com/marmos91/vrnode/pkg/metrics/prometheus"
)

// storeMetrics times one store's reads and writes against the shared
// checkpoint-store collectors. A nil inner handle (metrics disabled) makes
// every observation a no-op.
type storeMetrics struct {
	backend string
	inner   *vrprom.CheckpointStoreMetrics
}

func newStoreMetrics(backend string) *storeMetrics {
	return &storeMetrics{backend: backend, inner: vrprom.CheckpointStore()}
}

// observeRead starts timing a read; call the returned func with whether the
// read found a checkpoint.
func (s *storeMetrics) observeRead() func(hit bool) {
	start := time.Now()
	return func(hit bool) {
		s.inner.ObserveRead(s.backend, time.Since(start), hit)
	}
}

// observeWrite starts timing a write; call the returned func with whether
// the write succeeded.
func (s *storeMetrics) observeWrite() func(ok bool) {
	start := time.Now()
	return func(ok bool) {
		s.inner.ObserveWrite(s.backend, time.Since(start), ok)
	}
}
