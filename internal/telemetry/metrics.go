// Package telemetry defines the pipeline's Prometheus collectors and the
// /metrics endpoint. Collectors are process-global; per-session snapshots
// live on consumer.Control and mirror the same counters.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "records_consumed_total",
		Help: "Records delivered to downstream processing.",
	})
	BytesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "bytes_consumed_total",
		Help: "Record value bytes delivered to downstream processing.",
	})
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "commits_total",
		Help: "Offset batch commits issued.",
	})
	CommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "commit_failures_total",
		Help: "Offset batch commits that failed.",
	})
	CommitBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kpipe", Name: "commit_batch_size",
		Help:    "Offset folds per committed batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	RebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "rebalances_total",
		Help: "Partition assignment events observed.",
	})
	RebalanceHandlerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "rebalance_handler_failures_total",
		Help: "Rebalance handler errors and panics (non-fatal).",
	})
	PartitionsOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kpipe", Name: "partitions_owned",
		Help: "Partitions with a currently open sub-stream.",
	})
	PipelineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kpipe", Name: "pipeline_restarts_total",
		Help: "Supervisor pipeline restarts.",
	})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
