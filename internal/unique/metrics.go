package unique

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational events from an engine.
// Implement it to feed a monitoring system; see internal/metrics for a
// Prometheus implementation.
type MetricsCollector interface {
	// RecordFlush is called after the tree is written out as a run.
	// bytes is the encoded size of the run on disk.
	RecordFlush(rows int, bytes int64, duration time.Duration, err error)

	// RecordMergePass is called after runsIn runs were merged into runsOut.
	// final is set for the last merge of Get, which applies filtering.
	RecordMergePass(runsIn, runsOut int, final bool, duration time.Duration, err error)

	// RecordWalk is called when Walk returns; rows is the number of keys
	// handed to the visitor.
	RecordWalk(rows uint64, duration time.Duration, err error)
}

// NoopMetricsCollector discards all events.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFlush(int, int64, time.Duration, error)         {}
func (NoopMetricsCollector) RecordMergePass(int, int, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordWalk(uint64, time.Duration, error)              {}

// BasicMetricsCollector accumulates events in atomic counters. It may be
// shared by several engines.
type BasicMetricsCollector struct {
	flushes      uint64
	flushErrors  uint64
	flushedRows  uint64
	flushedBytes int64

	mergePasses  uint64
	finalMerges  uint64
	mergeErrors  uint64
	mergedRunsIn uint64
	mergeNanos   int64

	walks      uint64
	walkErrors uint64
	walkedRows uint64
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(rows int, bytes int64, _ time.Duration, err error) {
	if err != nil {
		atomic.AddUint64(&b.flushErrors, 1)
		return
	}
	atomic.AddUint64(&b.flushes, 1)
	atomic.AddUint64(&b.flushedRows, uint64(rows))
	atomic.AddInt64(&b.flushedBytes, bytes)
}

// RecordMergePass implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMergePass(runsIn, _ int, final bool, d time.Duration, err error) {
	if err != nil {
		atomic.AddUint64(&b.mergeErrors, 1)
		return
	}
	if final {
		atomic.AddUint64(&b.finalMerges, 1)
	} else {
		atomic.AddUint64(&b.mergePasses, 1)
	}
	atomic.AddUint64(&b.mergedRunsIn, uint64(runsIn))
	atomic.AddInt64(&b.mergeNanos, d.Nanoseconds())
}

// RecordWalk implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWalk(rows uint64, _ time.Duration, err error) {
	if err != nil {
		atomic.AddUint64(&b.walkErrors, 1)
	}
	atomic.AddUint64(&b.walks, 1)
	atomic.AddUint64(&b.walkedRows, rows)
}

// MetricsSnapshot is a point-in-time copy of a BasicMetricsCollector.
type MetricsSnapshot struct {
	Flushes      uint64
	FlushErrors  uint64
	FlushedRows  uint64
	FlushedBytes int64

	MergePasses  uint64
	FinalMerges  uint64
	MergeErrors  uint64
	MergedRunsIn uint64
	MergeTime    time.Duration

	Walks      uint64
	WalkErrors uint64
	WalkedRows uint64
}

// Snapshot returns the current counter values.
func (b *BasicMetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Flushes:      atomic.LoadUint64(&b.flushes),
		FlushErrors:  atomic.LoadUint64(&b.flushErrors),
		FlushedRows:  atomic.LoadUint64(&b.flushedRows),
		FlushedBytes: atomic.LoadInt64(&b.flushedBytes),
		MergePasses:  atomic.LoadUint64(&b.mergePasses),
		FinalMerges:  atomic.LoadUint64(&b.finalMerges),
		MergeErrors:  atomic.LoadUint64(&b.mergeErrors),
		MergedRunsIn: atomic.LoadUint64(&b.mergedRunsIn),
		MergeTime:    time.Duration(atomic.LoadInt64(&b.mergeNanos)),
		Walks:        atomic.LoadUint64(&b.walks),
		WalkErrors:   atomic.LoadUint64(&b.walkErrors),
		WalkedRows:   atomic.LoadUint64(&b.walkedRows),
	}
}
