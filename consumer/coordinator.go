package consumer

import (
	"context"
	"errors"
	"time"

	"kpipe"
	"kpipe/internal/logging"
	"kpipe/offsets"
)

// ErrCoordinatorClosed is returned by Offer after the dispatch loop ended.
var ErrCoordinatorClosed = errors.New("consumer: coordinator is closed")

// finalFlushTimeout bounds the detached best-effort flush on cancellation.
const finalFlushTimeout = 5 * time.Second

type CoordinatorConfig struct {
	// MaxBatchSize flushes after this many offset folds (default 1000).
	MaxBatchSize int
	// Window flushes a non-empty batch after this long (default 10s).
	Window time.Duration
	// Parallelism caps outstanding commit requests (default 1). While the
	// cap is reached, further flushes — and therefore the upstream offset
	// flow — block: this is how slow broker commits propagate
	// backpressure to the consumer.
	Parallelism int
	Stats       *Stats
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
}

type commitResult struct {
	partitions []kpipe.Partition
	folds      int
	err        error
}

// Coordinator converts a continuous stream of committable offsets into
// periodic batch commits. The accumulator is mutated only by the Run
// goroutine; producers hand offsets over through Offer.
//
// Ordering guarantee: a batch whose partitions overlap an outstanding
// commit is not dispatched until that commit completes, so commits for
// any one partition are issued strictly one at a time, in non-decreasing
// offset order.
type Coordinator struct {
	cfg CoordinatorConfig

	in      chan offsets.Committable
	flushes chan chan error
	forgets chan forgetRequest
	done    chan struct{}
	runErr  error
}

type forgetRequest struct {
	part  kpipe.Partition
	reply chan struct{}
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		in:      make(chan offsets.Committable),
		flushes: make(chan chan error),
		forgets: make(chan forgetRequest),
		done:    make(chan struct{}),
	}
}

// Offer hands one committable offset to the dispatch loop. It blocks
// while the coordinator is saturated; that backpressure is the contract.
func (c *Coordinator) Offer(ctx context.Context, co offsets.Committable) error {
	select {
	case c.in <- co:
		return nil
	case <-c.done:
		if c.runErr != nil {
			return c.runErr
		}
		return ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush commits the current batch and waits for every outstanding commit
// to complete. Used by the drain step of a graceful shutdown.
func (c *Coordinator) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.flushes <- reply:
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops the pending fold for a revoked partition and returns once
// the dispatch loop has applied it. After a revocation the partition's
// uncommitted records are redelivered from the last committed position;
// a fold left behind would reject those redeliveries as regressions.
func (c *Coordinator) Forget(ctx context.Context, p kpipe.Partition) error {
	req := forgetRequest{part: p, reply: make(chan struct{})}
	select {
	case c.forgets <- req:
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.reply:
		return nil
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives batching and commit dispatch until ctx is cancelled or a
// commit fails. Commit failures are fatal to the coordinator: the batch's
// offsets are not considered committed and retry policy belongs to the
// restart supervisor, never to silent re-commits here.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	var (
		batch       = offsets.NewBatch()
		outstanding = make(map[kpipe.Partition]bool)
		inflight    = 0
		results     = make(chan commitResult, c.cfg.Parallelism)
		timer       = time.NewTimer(c.cfg.Window)
	)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	handle := func(r commitResult) {
		inflight--
		for _, p := range r.partitions {
			delete(outstanding, p)
		}
		if r.err != nil {
			c.cfg.Stats.AddCommitFailure()
			if c.runErr == nil {
				c.runErr = r.err
			}
			return
		}
		c.cfg.Stats.AddCommit(r.folds)
	}

	overlaps := func(parts []kpipe.Partition) bool {
		for _, p := range parts {
			if outstanding[p] {
				return true
			}
		}
		return false
	}

	// dispatch blocks until b may be committed: no overlapping partition
	// in flight and a free parallelism slot. Offer is not serviced while
	// it waits, which is exactly the backpressure path.
	dispatch := func(b *offsets.Batch) error {
		parts := b.Partitions()
		for c.runErr == nil && (overlaps(parts) || inflight >= c.cfg.Parallelism) {
			select {
			case r := <-results:
				handle(r)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if c.runErr != nil {
			return c.runErr
		}
		for _, p := range parts {
			outstanding[p] = true
		}
		inflight++
		go func(b *offsets.Batch, parts []kpipe.Partition, folds int) {
			results <- commitResult{partitions: parts, folds: folds, err: b.Commit(ctx)}
		}(b, parts, b.Updates())
		return nil
	}

	// settle waits for every outstanding commit to finish.
	settle := func() error {
		for inflight > 0 {
			select {
			case r := <-results:
				handle(r)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return c.runErr
	}

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		b := batch
		batch = offsets.NewBatch()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return dispatch(b)
	}

	for {
		select {
		case co := <-c.in:
			if batch.Len() == 0 {
				timer.Reset(c.cfg.Window)
			}
			if err := batch.Updated(co); err != nil {
				c.runErr = err
				return err
			}
			if batch.Updates() >= c.cfg.MaxBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}

		case r := <-results:
			handle(r)
			if c.runErr != nil {
				return c.runErr
			}

		case reply := <-c.flushes:
			err := flush()
			if err == nil {
				err = settle()
			}
			reply <- err
			if err != nil {
				return err
			}

		case req := <-c.forgets:
			batch.Forget(req.part)
			close(req.reply)

		case <-ctx.Done():
			// best-effort final flush: commit pending folds whose
			// partitions have no commit in flight, on a detached context
			// since ours is already dead
			for _, p := range batch.Partitions() {
				if outstanding[p] {
					batch.Forget(p)
				}
			}
			if batch.Len() > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				if err := batch.Commit(fctx); err != nil {
					c.cfg.Stats.AddCommitFailure()
					logging.L().Warn("coordinator: final flush incomplete", "err", err)
				} else {
					c.cfg.Stats.AddCommit(batch.Updates())
				}
				cancel()
			}
			return ctx.Err()
		}
	}
}
