// Package metrics exports unique engine events to Prometheus.
package metrics

import (
	"time"

	"github.com/freeeve/keyuniq/internal/unique"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements unique.MetricsCollector.
type Prometheus struct {
	opLatency    *prometheus.HistogramVec
	flushedRows  prometheus.Counter
	flushedBytes prometheus.Counter
	mergePasses  *prometheus.CounterVec
	mergedRuns   prometheus.Counter
	walkedRows   prometheus.Counter
}

var _ unique.MetricsCollector = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg.
// namespace prefixes every metric name.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op", "status"}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_rows_total",
			Help:      "Distinct keys flushed from the tree into runs",
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Encoded bytes of flushed runs",
		}),
		mergePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_passes_total",
			Help:      "Merge passes completed",
		}, []string{"kind", "status"}),
		mergedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_runs_total",
			Help:      "Runs consumed by merge passes",
		}),
		walkedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "walked_rows_total",
			Help:      "Keys handed to walk visitors",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.opLatency, p.flushedRows, p.flushedBytes, p.mergePasses, p.mergedRuns, p.walkedRows,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordFlush implements unique.MetricsCollector.
func (p *Prometheus) RecordFlush(rows int, bytes int64, d time.Duration, err error) {
	p.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
	if err != nil {
		return
	}
	p.flushedRows.Add(float64(rows))
	p.flushedBytes.Add(float64(bytes))
}

// RecordMergePass implements unique.MetricsCollector.
func (p *Prometheus) RecordMergePass(runsIn, _ int, final bool, d time.Duration, err error) {
	kind := "pass"
	if final {
		kind = "final"
	}
	p.opLatency.WithLabelValues("merge_"+kind, status(err)).Observe(d.Seconds())
	p.mergePasses.WithLabelValues(kind, status(err)).Inc()
	if err == nil {
		p.mergedRuns.Add(float64(runsIn))
	}
}

// RecordWalk implements unique.MetricsCollector.
func (p *Prometheus) RecordWalk(rows uint64, d time.Duration, err error) {
	p.opLatency.WithLabelValues("walk", status(err)).Observe(d.Seconds())
	p.walkedRows.Add(float64(rows))
}
