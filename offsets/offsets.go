// Package offsets implements the commit bookkeeping of the pipeline: the
// per-record committable offset and the max-merge batch that is the single
// durability checkpoint of a consumption session.
package offsets

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"kpipe"
)

// Committer is the opaque commit context behind a committable offset.
// Broker drivers implement it per session; commits against a session that
// has already ended must return ErrSessionDone.
//
// Committing an offset at or below the broker-tracked position is a no-op
// on the broker side, so callers may treat Commit as idempotent.
type Committer interface {
	CommitOffsets(ctx context.Context, offsets map[kpipe.Partition]int64) error
}

// ErrSessionDone is returned by a Committer whose owning session closed.
var ErrSessionDone = errors.New("offsets: consumption session is done")

// ErrNoCommitter is returned when a committable carries no commit context.
var ErrNoCommitter = errors.New("offsets: committable has no committer")

// InvalidOffsetError reports an offset regression within one session.
// A regression almost always means a reordering bug upstream, so it is
// fatal to the session and never retried.
type InvalidOffsetError struct {
	Partition kpipe.Partition
	Have      int64
	Got       int64
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("offsets: %s regressed from %d to %d", e.Partition, e.Have, e.Got)
}

// PartialCommitError reports a batch commit where some partitions
// committed and some did not. Failed lists every partition whose commit
// did not succeed so the caller can decide what to retry.
type PartialCommitError struct {
	Failed []kpipe.Partition
	Err    error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("offsets: commit failed for %d partition(s): %v", len(e.Failed), e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Committable is a token permitting durable acknowledgment of one record.
// It is owned by exactly one delivered message; downstream code must
// eventually commit it (directly or folded into a Batch) or drop it,
// accepting at-most-once semantics for that record.
type Committable struct {
	Partition kpipe.Partition
	Offset    int64
	Committer Committer
}

// Commit acknowledges this offset (and only this offset) immediately.
func (c Committable) Commit(ctx context.Context) error {
	if c.Committer == nil {
		return ErrNoCommitter
	}
	return c.Committer.CommitOffsets(ctx, map[kpipe.Partition]int64{c.Partition: c.Offset})
}

type entry struct {
	offset    int64
	committer Committer
}

// Batch folds committables into a partition → highest-offset map.
// It is not safe for concurrent use; the commit coordinator mutates its
// batch from a single goroutine only.
type Batch struct {
	entries   map[kpipe.Partition]entry
	updates   int
	committed bool
}

func NewBatch() *Batch {
	return &Batch{entries: make(map[kpipe.Partition]entry)}
}

// Updated folds one committable into the batch. The recorded offset for a
// partition only ever moves forward; a strictly lower offset than one
// already recorded is an InvalidOffsetError.
func (b *Batch) Updated(c Committable) error {
	if e, ok := b.entries[c.Partition]; ok && c.Offset < e.offset {
		return &InvalidOffsetError{Partition: c.Partition, Have: e.offset, Got: c.Offset}
	}
	b.entries[c.Partition] = entry{offset: c.Offset, committer: c.Committer}
	b.updates++
	return nil
}

// Merge folds other into b, taking the maximum offset per partition.
// Merging is commutative and idempotent and never regresses an offset.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	for p, e := range other.entries {
		if cur, ok := b.entries[p]; !ok || e.offset > cur.offset {
			b.entries[p] = e
		}
	}
	b.updates += other.updates
}

// Forget drops the pending fold for p. Called when p is revoked: its
// uncommitted records will be redelivered from the last committed
// position, and a stale high fold would reject those redelivered
// offsets as regressions. Fold counts already applied are retained.
func (b *Batch) Forget(p kpipe.Partition) {
	delete(b.entries, p)
}

// Len returns the number of distinct partitions held.
func (b *Batch) Len() int { return len(b.entries) }

// Updates returns the number of folds applied; the coordinator's
// count-based flush policy keys on this, not on Len.
func (b *Batch) Updates() int { return b.updates }

// Offsets returns a copy of the partition → offset mapping.
func (b *Batch) Offsets() map[kpipe.Partition]int64 {
	out := make(map[kpipe.Partition]int64, len(b.entries))
	for p, e := range b.entries {
		out[p] = e.offset
	}
	return out
}

// Partitions returns the held partitions in deterministic order.
func (b *Batch) Partitions() []kpipe.Partition {
	out := make([]kpipe.Partition, 0, len(b.entries))
	for p := range b.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// Commit issues one merged commit request per distinct committer in the
// batch and succeeds only if all of them succeed. An empty batch commits
// nothing. A batch is consumed by its first Commit; committing it again
// is a no-op.
func (b *Batch) Commit(ctx context.Context) error {
	if b.committed || len(b.entries) == 0 {
		b.committed = true
		return nil
	}
	b.committed = true

	// Group per committer, iterating partitions in deterministic order.
	type group struct {
		committer  Committer
		offsets    map[kpipe.Partition]int64
		partitions []kpipe.Partition
	}
	var groups []*group
	index := make(map[Committer]*group)
	for _, p := range b.Partitions() {
		e := b.entries[p]
		if e.committer == nil {
			return ErrNoCommitter
		}
		g, ok := index[e.committer]
		if !ok {
			g = &group{committer: e.committer, offsets: make(map[kpipe.Partition]int64)}
			index[e.committer] = g
			groups = append(groups, g)
		}
		g.offsets[p] = e.offset
		g.partitions = append(g.partitions, p)
	}

	var failed []kpipe.Partition
	var errs []error
	for _, g := range groups {
		if err := g.committer.CommitOffsets(ctx, g.offsets); err != nil {
			failed = append(failed, g.partitions...)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		return &PartialCommitError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}
