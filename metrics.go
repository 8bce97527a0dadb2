package vecvault

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    putCounter     prometheus.Counter
//	    queryHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordPut(duration time.Duration, buffered bool, err error) {
//	    p.putCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordPut is called after each write. buffered is true when the write
	// was absorbed by the retry buffer instead of committing directly,
	// duration is the total time taken, err is nil if successful.
	RecordPut(duration time.Duration, buffered bool, err error)

	// RecordQuery is called after each query.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordQuery(k int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction run. deferred is true
	// when the run stepped aside for an active key rotation.
	RecordCompaction(duration time.Duration, deferred bool, err error)

	// RecordRotation is called after each key rotation pass.
	// succeeded and failed count repositories.
	RecordRotation(succeeded, failed int)

	// RecordReplay is called after each replayed entry commit attempt.
	// committed is 1 when the entry committed, requeued 1 when the attempt
	// failed and the entry goes back for a later drain.
	RecordReplay(committed, requeued int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, bool, error)        {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordRotation(int, int)                     {}
func (NoopMetricsCollector) RecordReplay(int, int)                       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount           atomic.Int64
	PutBuffered        atomic.Int64
	PutErrors          atomic.Int64
	PutTotalNanos      atomic.Int64
	QueryCount         atomic.Int64
	QueryErrors        atomic.Int64
	QueryTotalNanos    atomic.Int64
	CompactionCount    atomic.Int64
	CompactionDeferred atomic.Int64
	CompactionErrors   atomic.Int64
	RotationSucceeded  atomic.Int64
	RotationFailed     atomic.Int64
	ReplayCommitted    atomic.Int64
	ReplayRequeued     atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, buffered bool, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if buffered {
		b.PutBuffered.Add(1)
	}
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(duration time.Duration, deferred bool, err error) {
	b.CompactionCount.Add(1)
	if deferred {
		b.CompactionDeferred.Add(1)
	}
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// RecordRotation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRotation(succeeded, failed int) {
	b.RotationSucceeded.Add(int64(succeeded))
	b.RotationFailed.Add(int64(failed))
}

// RecordReplay implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReplay(committed, requeued int) {
	b.ReplayCommitted.Add(int64(committed))
	b.ReplayRequeued.Add(int64(requeued))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:           b.PutCount.Load(),
		PutBuffered:        b.PutBuffered.Load(),
		PutErrors:          b.PutErrors.Load(),
		PutAvgNanos:        avgNanos(b.PutTotalNanos.Load(), b.PutCount.Load()),
		QueryCount:         b.QueryCount.Load(),
		QueryErrors:        b.QueryErrors.Load(),
		QueryAvgNanos:      avgNanos(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		CompactionCount:    b.CompactionCount.Load(),
		CompactionDeferred: b.CompactionDeferred.Load(),
		CompactionErrors:   b.CompactionErrors.Load(),
		RotationSucceeded:  b.RotationSucceeded.Load(),
		RotationFailed:     b.RotationFailed.Load(),
		ReplayCommitted:    b.ReplayCommitted.Load(),
		ReplayRequeued:     b.ReplayRequeued.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount           int64
	PutBuffered        int64
	PutErrors          int64
	PutAvgNanos        int64
	QueryCount         int64
	QueryErrors        int64
	QueryAvgNanos      int64
	CompactionCount    int64
	CompactionDeferred int64
	CompactionErrors   int64
	RotationSucceeded  int64
	RotationFailed     int64
	ReplayCommitted    int64
	ReplayRequeued     int64
}
