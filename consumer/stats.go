package consumer

import (
	"sync/atomic"

	"kpipe/internal/telemetry"
)

// Stats is the per-session counter set behind Control.Metrics. Each method
// also feeds the process-global Prometheus collectors, so a session and
// the /metrics endpoint never disagree.
type Stats struct {
	records         atomic.Int64
	bytes           atomic.Int64
	commits         atomic.Int64
	commitFailures  atomic.Int64
	rebalances      atomic.Int64
	partitionsOwned atomic.Int64
}

func (s *Stats) AddRecord(valueBytes int) {
	if s == nil {
		return
	}
	s.records.Add(1)
	s.bytes.Add(int64(valueBytes))
	telemetry.RecordsConsumed.Inc()
	telemetry.BytesConsumed.Add(float64(valueBytes))
}

func (s *Stats) AddCommit(folds int) {
	if s == nil {
		return
	}
	s.commits.Add(1)
	telemetry.CommitsTotal.Inc()
	telemetry.CommitBatchSize.Observe(float64(folds))
}

func (s *Stats) AddCommitFailure() {
	if s == nil {
		return
	}
	s.commitFailures.Add(1)
	telemetry.CommitFailures.Inc()
}

func (s *Stats) AddRebalance() {
	if s == nil {
		return
	}
	s.rebalances.Add(1)
	telemetry.RebalancesTotal.Inc()
}

func (s *Stats) PartitionOpened() {
	if s == nil {
		return
	}
	s.partitionsOwned.Add(1)
	telemetry.PartitionsOwned.Inc()
}

func (s *Stats) PartitionClosed() {
	if s == nil {
		return
	}
	s.partitionsOwned.Add(-1)
	telemetry.PartitionsOwned.Dec()
}

// Snapshot returns a read-only copy, safe for concurrent callers.
func (s *Stats) Snapshot() map[string]int64 {
	if s == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"records_consumed": s.records.Load(),
		"bytes_consumed":   s.bytes.Load(),
		"commits":          s.commits.Load(),
		"commit_failures":  s.commitFailures.Load(),
		"rebalances":       s.rebalances.Load(),
		"partitions_owned": s.partitionsOwned.Load(),
	}
}
