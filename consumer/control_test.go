package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestControl_GracefulSequence(t *testing.T) {
	var polled, released atomic.Int32
	drainStarted := make(chan struct{})

	ctl := NewControl(Hooks{
		StopPolling: func() { polled.Add(1) },
		Drain: func(ctx context.Context) error {
			close(drainStarted)
			return nil
		},
		Release: func(ctx context.Context) error {
			released.Add(1)
			return nil
		},
	}, &Stats{}, time.Second)

	if ctl.State() != Running {
		t.Fatalf("initial state = %v", ctl.State())
	}
	if ctl.Session() == "" {
		t.Fatal("session id must be set")
	}

	ctl.Stop()
	select {
	case <-drainStarted:
	case <-time.After(time.Second):
		t.Fatal("drain hook never ran")
	}
	select {
	case <-ctl.Drained():
	case <-time.After(time.Second):
		t.Fatal("Drained never closed")
	}
	if st := ctl.State(); st != Stopped {
		t.Fatalf("after drain: state = %v, want stopped", st)
	}
	if polled.Load() != 1 {
		t.Fatalf("StopPolling ran %d times", polled.Load())
	}

	if err := ctl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := ctl.State(); st != ShutDown {
		t.Fatalf("state = %v, want shutdown", st)
	}
	select {
	case <-ctl.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
	if err := ctl.Err(); err != nil {
		t.Fatalf("clean shutdown left error: %v", err)
	}
	if released.Load() != 1 {
		t.Fatalf("Release ran %d times", released.Load())
	}
}

func TestControl_ShutdownIsIdempotent(t *testing.T) {
	var released atomic.Int32
	ctl := NewControl(Hooks{
		Release: func(ctx context.Context) error {
			released.Add(1)
			return errors.New("release failed")
		},
	}, &Stats{}, time.Second)

	if err := ctl.Shutdown(context.Background()); err == nil {
		t.Fatal("first Shutdown must report the release error")
	}
	for i := 0; i < 3; i++ {
		if err := ctl.Shutdown(context.Background()); err != nil {
			t.Fatalf("repeat Shutdown #%d: %v", i, err)
		}
	}
	if released.Load() != 1 {
		t.Fatalf("Release ran %d times, want 1", released.Load())
	}

	// post-shutdown operations are inert
	ctl.Stop()
	if st := ctl.State(); st != ShutDown {
		t.Fatalf("Stop after Shutdown changed state to %v", st)
	}
	select {
	case <-ctl.Drained():
	case <-time.After(time.Second):
		t.Fatal("Drained must be closed after Shutdown")
	}
}

func TestControl_ForcedShutdownStopsPolling(t *testing.T) {
	var polled atomic.Int32
	ctl := NewControl(Hooks{
		StopPolling: func() { polled.Add(1) },
	}, &Stats{}, time.Second)

	if err := ctl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if polled.Load() != 1 {
		t.Fatal("hard shutdown from Running must stop polling")
	}
}

func TestControl_DrainTimeoutForcesShutdown(t *testing.T) {
	var released atomic.Int32
	ctl := NewControl(Hooks{
		Drain: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Release: func(ctx context.Context) error {
			released.Add(1)
			return nil
		},
	}, &Stats{}, 30*time.Millisecond)

	ctl.Stop()
	select {
	case <-ctl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drain timeout did not terminate the pipeline")
	}
	if !errors.Is(ctl.Err(), ErrShutdownTimeout) {
		t.Fatalf("want ErrShutdownTimeout, got %v", ctl.Err())
	}
	if st := ctl.State(); st != ShutDown {
		t.Fatalf("state = %v, want shutdown", st)
	}
	if released.Load() != 1 {
		t.Fatalf("Release ran %d times, want 1", released.Load())
	}
}

func TestControl_FailRecordsFirstError(t *testing.T) {
	ctl := NewControl(Hooks{}, &Stats{}, time.Second)

	first := errors.New("first")
	ctl.Fail(first)
	ctl.Fail(errors.New("second"))

	select {
	case <-ctl.Done():
	case <-time.After(time.Second):
		t.Fatal("Fail must close Done")
	}
	if !errors.Is(ctl.Err(), first) {
		t.Fatalf("Err = %v, want the first failure", ctl.Err())
	}
}

func TestControl_MetricsSnapshot(t *testing.T) {
	st := &Stats{}
	ctl := NewControl(Hooks{}, st, time.Second)

	st.AddRecord(100)
	st.AddRecord(50)
	st.AddCommit(2)
	st.AddRebalance()
	st.PartitionOpened()

	m := ctl.Metrics()
	if m["records_consumed"] != 2 {
		t.Fatalf("records_consumed = %d", m["records_consumed"])
	}
	if m["bytes_consumed"] != 150 {
		t.Fatalf("bytes_consumed = %d", m["bytes_consumed"])
	}
	if m["commits"] != 1 {
		t.Fatalf("commits = %d", m["commits"])
	}
	if m["rebalances"] != 1 || m["partitions_owned"] != 1 {
		t.Fatalf("ownership counters = %v", m)
	}
}
