// Package pipeline materializes a consumption pipeline: broker source →
// partitioned mux → business handler → commit coordinator, governed by a
// consumer.Control. Each Start call is one session; restart policy
// belongs to the supervisor wrapping it.
package pipeline

import (
	"context"
	"errors"
	"time"

	"kpipe"
	"kpipe/broker"
	"kpipe/consumer"
	"kpipe/internal/logging"
)

type Config struct {
	Commit                  consumer.CoordinatorConfig
	MaxConcurrentPartitions int
	Buffer                  int
	DrainTimeout            time.Duration
}

// Handler processes one delivered message. A non-nil error is fatal to
// the session; the message's offset is not committed.
type Handler func(ctx context.Context, m consumer.Message) error

// Start materializes a merged-mode pipeline and returns its Control.
// All sub-streams are folded into one ordered flow; offsets are offered
// to the coordinator only after the handler returns.
func Start(ctx context.Context, src broker.Source, sub *consumer.Subscription, h Handler, cfg Config) *consumer.Control {
	return start(ctx, src, sub, h, cfg, consumer.ModeMerged)
}

// StartIsolated materializes one independent pipeline per assigned
// partition, so a slow partition never blocks the others. Offsets from
// every partition still merge into the one coordinator.
func StartIsolated(ctx context.Context, src broker.Source, sub *consumer.Subscription, h Handler, cfg Config) *consumer.Control {
	return start(ctx, src, sub, h, cfg, consumer.ModeIsolated)
}

func start(ctx context.Context, src broker.Source, sub *consumer.Subscription, h Handler, cfg Config, mode consumer.MuxMode) *consumer.Control {
	stats := &consumer.Stats{}
	if sa, ok := src.(broker.StatsAware); ok {
		sa.BindStats(stats)
	}

	ccfg := cfg.Commit
	ccfg.Stats = stats
	coord := consumer.NewCoordinator(ccfg)

	pollCtx, stopPolling := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(ctx)

	mux := consumer.NewMux(consumer.MuxConfig{
		Mode:                    mode,
		MaxConcurrentPartitions: cfg.MaxConcurrentPartitions,
		Buffer:                  cfg.Buffer,
		// a revoked partition's records are redelivered after
		// reassignment, so its pending fold must not linger in the batch
		OnRevoke: func(p kpipe.Partition) {
			_ = coord.Forget(workCtx, p)
		},
		Stats: stats,
	})

	var drainErr error
	consumeDone := make(chan struct{})

	ctl := consumer.NewControl(consumer.Hooks{
		StopPolling: stopPolling,
		Drain: func(ctx context.Context) error {
			select {
			case <-consumeDone:
				return drainErr
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Release: func(ctx context.Context) error {
			stopWork()
			// a failed session leaves forwarders blocked on a consumer
			// that is gone; abort unwinds them before the next session
			mux.Abort()
			return src.Close()
		},
	}, stats, cfg.DrainTimeout)

	fail := func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			ctl.Fail(err)
		}
	}

	// source: poll until stopped, then let the mux drain and close
	go func() {
		fail(src.Run(pollCtx, sub, mux))
		mux.Close()
	}()

	// coordinator: batches offered offsets into commits
	go func() {
		fail(coord.Run(workCtx))
	}()

	// processing: handler, then hand the offset to the coordinator
	go func() {
		defer close(consumeDone)
		var err error
		if mode == consumer.ModeIsolated {
			err = mux.RunIsolated(workCtx, func(ctx context.Context, ps *consumer.PartitionStream) error {
				return consumeLoop(ctx, ps.Messages(), h, coord)
			})
		} else {
			err = consumeLoop(workCtx, mux.Merged(), h, coord)
		}
		if err != nil {
			fail(err)
			drainErr = err
			return
		}
		// sources exhausted: flush whatever is still uncommitted
		drainErr = coord.Flush(workCtx)
		if drainErr != nil && !errors.Is(drainErr, context.Canceled) {
			logging.L().Error("pipeline: final flush failed", "session", ctl.Session(), "err", drainErr)
			ctl.Fail(drainErr)
		}
	}()

	logging.L().Info("pipeline: session started", "session", ctl.Session())
	return ctl
}

func consumeLoop(ctx context.Context, in <-chan consumer.Message, h Handler, coord *consumer.Coordinator) error {
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return nil
			}
			if err := h(ctx, m); err != nil {
				return err
			}
			if err := coord.Offer(ctx, m.Committable); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
