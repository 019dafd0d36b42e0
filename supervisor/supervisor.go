// Package supervisor wraps a pipeline constructor with restart-on-failure
// and exponential backoff. It guarantees that at most one pipeline is
// alive at any instant: the previous instance is fully shut down and
// awaited before a new attempt starts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"kpipe/consumer"
	"kpipe/internal/logging"
	"kpipe/internal/telemetry"
	"kpipe/offsets"
)

// Pipeline is what the supervisor manages; consumer.Control satisfies it.
type Pipeline interface {
	Done() <-chan struct{}
	Err() error
	Shutdown(ctx context.Context) error
}

// Graceful pipelines get the stop → drain → shutdown sequence when the
// supervisor is cancelled externally, instead of a hard teardown.
type Graceful interface {
	Stop()
	Drained() <-chan struct{}
}

type Config struct {
	MinBackoff      time.Duration // default 3s
	MaxBackoff      time.Duration // default 30s
	RandomFactor    float64       // jitter, e.g. 0.2 for ±20%
	ResetAfter      time.Duration // sustained success before the attempt counter resets (default 5m)
	ShutdownTimeout time.Duration // budget for releasing a failed pipeline (default 30s)
}

func (c *Config) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 3 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Backoff returns the wait before the given restart attempt:
// min(MaxBackoff, MinBackoff·2^attempt) scaled by the jitter factor.
func (c Config) Backoff(attempt int) time.Duration {
	d := float64(c.MinBackoff) * math.Pow(2, float64(attempt))
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.RandomFactor > 0 {
		d *= 1 + c.RandomFactor*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Run builds and supervises a pipeline until ctx is cancelled, build
// returns a permanent error, or the pipeline completes cleanly.
// Transient failures are restarted with backoff; data-integrity failures
// (offset regressions) are surfaced immediately, never retried.
func Run(ctx context.Context, cfg Config, build func(context.Context) (Pipeline, error)) error {
	cfg.applyDefaults()
	id := uuid.NewString()
	attempt := 0

	for {
		started := time.Now()
		p, err := build(ctx)
		if err == nil {
			select {
			case <-p.Done():
				err = p.Err()
			case <-ctx.Done():
				return release(p, cfg, ctx.Err())
			}
			// the old pipeline must be fully released before any
			// restart; two pipelines on the same partitions is forbidden
			if rerr := release(p, cfg, nil); rerr != nil {
				return fmt.Errorf("supervisor %s: release failed: %w", id, rerr)
			}
		}

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case permanent(err):
			return err
		}

		if time.Since(started) >= cfg.ResetAfter {
			attempt = 0
		}
		wait := cfg.Backoff(attempt)
		attempt++
		telemetry.PipelineRestarts.Inc()
		logging.L().Warn("supervisor: pipeline failed; restarting",
			"supervisor", id, "attempt", attempt, "backoff", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func release(p Pipeline, cfg Config, cause error) error {
	if g, ok := p.(Graceful); ok && cause != nil {
		// external cancellation: stop polling and drain before teardown
		g.Stop()
		select {
		case <-g.Drained():
		case <-time.After(cfg.ShutdownTimeout):
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	return cause
}

// permanent reports whether err must not be retried. Data-integrity
// failures (offset regressions) and drain timeouts terminate the
// session; I/O errors, marked transient or not, are restartable.
func permanent(err error) bool {
	var ioe *offsets.InvalidOffsetError
	return errors.As(err, &ioe) || errors.Is(err, consumer.ErrShutdownTimeout)
}
