package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kpipe/internal/logging"
)

// ErrShutdownTimeout means the drain step did not complete within its
// budget. It is fatal: the control forces a hard teardown.
var ErrShutdownTimeout = errors.New("consumer: drain did not complete within budget")

// State of a consumption pipeline.
type State int32

const (
	Running State = iota
	Draining
	Stopped
	ShutDown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "shutdown"
	}
}

// Hooks binds a Control to the pipeline it governs.
type Hooks struct {
	// StopPolling stops the source from pulling new records.
	StopPolling func()
	// Drain waits for in-flight processing and the final offset flush.
	Drain func(context.Context) error
	// Release frees broker-side resources. Must be safe to call once.
	Release func(context.Context) error
}

// Control is the handle to one running consumption pipeline. There is
// exactly one Control per active session; it moves through
// Running → Draining → Stopped → ShutDown and is terminal once shut
// down. Every operation is idempotent; operations after ShutDown are
// no-ops with already-completed results.
type Control struct {
	session      string
	hooks        Hooks
	stats        *Stats
	drainTimeout time.Duration

	state       atomic.Int32
	stopOnce    sync.Once
	shutOnce    sync.Once
	doneOnce    sync.Once
	drainedOnce sync.Once

	drained chan struct{}
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func NewControl(hooks Hooks, stats *Stats, drainTimeout time.Duration) *Control {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &Control{
		session:      uuid.NewString(),
		hooks:        hooks,
		stats:        stats,
		drainTimeout: drainTimeout,
		drained:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Session is the unique id of this pipeline instance.
func (c *Control) Session() string { return c.session }

func (c *Control) State() State { return State(c.state.Load()) }

// Stats returns the live counter set shared with the pipeline stages.
func (c *Control) Stats() *Stats { return c.stats }

// Metrics returns a read-only snapshot of the session counters.
func (c *Control) Metrics() map[string]int64 { return c.stats.Snapshot() }

// Stop stops polling for new records and lets in-flight processing
// drain, including the final offset flush. Drained() closes when the
// drain completes; exceeding the drain budget is fatal and forces a
// hard shutdown.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
			return
		}
		logging.L().Info("control: stopping", "session", c.session)
		if c.hooks.StopPolling != nil {
			c.hooks.StopPolling()
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
			defer cancel()
			err := c.drain(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = ErrShutdownTimeout
				}
				c.Fail(err)
				c.drainedOnce.Do(func() { close(c.drained) })
				_ = c.Shutdown(context.Background())
				return
			}
			c.state.CompareAndSwap(int32(Draining), int32(Stopped))
			c.drainedOnce.Do(func() { close(c.drained) })
		}()
	})
}

func (c *Control) drain(ctx context.Context) error {
	if c.hooks.Drain == nil {
		return nil
	}
	return c.hooks.Drain(ctx)
}

// Drained closes when the drain phase started by Stop has completed.
func (c *Control) Drained() <-chan struct{} { return c.drained }

// Shutdown releases all broker-side resources. It is callable from any
// state (forced teardown from Running or Draining) and is terminal; the
// graceful sequence is Stop, await Drained, then Shutdown. Repeat calls
// are no-ops returning nil.
func (c *Control) Shutdown(ctx context.Context) error {
	var err error
	first := false
	c.shutOnce.Do(func() {
		first = true
		prev := State(c.state.Swap(int32(ShutDown)))
		if prev == Running && c.hooks.StopPolling != nil {
			c.hooks.StopPolling()
		}
		logging.L().Info("control: shutting down", "session", c.session, "from", prev.String())
		if c.hooks.Release != nil {
			err = c.hooks.Release(ctx)
		}
		if err != nil {
			c.setErr(err)
		}
		c.drainedOnce.Do(func() { close(c.drained) })
		c.doneOnce.Do(func() { close(c.done) })
	})
	if !first {
		return nil
	}
	return err
}

// Fail records a fatal pipeline error and marks the pipeline done. The
// first error wins; broker resources still require Shutdown.
func (c *Control) Fail(err error) {
	if err == nil {
		return
	}
	c.setErr(err)
	c.doneOnce.Do(func() { close(c.done) })
}

// Done closes when the pipeline has terminated, by failure or shutdown.
func (c *Control) Done() <-chan struct{} { return c.done }

// Err returns the first fatal error, if any.
func (c *Control) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Control) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
