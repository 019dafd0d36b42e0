package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kpipe"
	"kpipe/offsets"
)

func p(topic string, n int32) kpipe.Partition {
	return kpipe.Partition{Topic: topic, Number: n}
}

func msg(part kpipe.Partition, off int64) Message {
	return Message{
		Value:     []byte("v"),
		Partition: part,
		Offset:    off,
	}
}

func TestMux_MergedDeliversAcrossPartitions(t *testing.T) {
	m := NewMux(MuxConfig{Buffer: 4})
	ctx := context.Background()

	s0, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	s1, err := m.Assign(ctx, p("t", 1))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		if err := s0.Emit(ctx, msg(p("t", 0), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if err := s1.Emit(ctx, msg(p("t", 1), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	s0.Finish()
	s1.Finish()
	go m.Close()

	got := map[kpipe.Partition]int{}
	for m := range m.Merged() {
		got[m.Partition]++
	}
	if got[p("t", 0)] != 3 || got[p("t", 1)] != 3 {
		t.Fatalf("want 3 messages per partition, got %v", got)
	}
}

func TestMux_ReassignWaitsForPreviousStream(t *testing.T) {
	m := NewMux(MuxConfig{Buffer: 4})
	ctx := context.Background()

	s1, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	_ = s1.Emit(ctx, msg(p("t", 0), 1))

	assigned := make(chan *PartitionStream, 1)
	go func() {
		s2, err := m.Assign(ctx, p("t", 0))
		if err != nil {
			t.Errorf("reassign: %v", err)
		}
		assigned <- s2
	}()

	select {
	case <-assigned:
		t.Fatal("reassignment completed while the previous stream was still open")
	case <-time.After(50 * time.Millisecond):
	}

	m.Revoke(p("t", 0))
	select {
	case s2 := <-assigned:
		// the new stream starts a fresh offset sequence
		if err := s2.Emit(ctx, msg(p("t", 0), 1)); err != nil {
			t.Fatalf("Emit on reassigned stream: %v", err)
		}
		m.Revoke(p("t", 0))
	case <-time.After(2 * time.Second):
		t.Fatal("reassignment never completed after revoke")
	}
	m.Close()
}

func TestMux_RevokeAbandonsBuffered(t *testing.T) {
	m := NewMux(MuxConfig{Buffer: 8})
	ctx := context.Background()

	s, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		if err := s.Emit(ctx, msg(p("t", 0), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	m.Revoke(p("t", 0))
	if err := s.Emit(ctx, msg(p("t", 0), 3)); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Emit after revoke: want ErrStreamClosed, got %v", err)
	}
	go m.Close()

	n := 0
	for range m.Merged() {
		n++
	}
	if n != 0 {
		t.Fatalf("revoked stream delivered %d buffered messages, want 0", n)
	}
}

func TestMux_FinishDrainsBuffered(t *testing.T) {
	m := NewMux(MuxConfig{Buffer: 8})
	ctx := context.Background()

	s, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		if err := s.Emit(ctx, msg(p("t", 0), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	s.Finish()
	go m.Close()

	var got []int64
	for m := range m.Merged() {
		got = append(got, m.Offset)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("finish must drain in order, got %v", got)
	}
}

func TestMux_MaxConcurrentPartitions(t *testing.T) {
	m := NewMux(MuxConfig{MaxConcurrentPartitions: 1, Buffer: 1})
	ctx := context.Background()

	if _, err := m.Assign(ctx, p("t", 0)); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	assigned := make(chan struct{})
	go func() {
		if _, err := m.Assign(ctx, p("t", 1)); err != nil {
			t.Errorf("Assign: %v", err)
		}
		close(assigned)
	}()

	select {
	case <-assigned:
		t.Fatal("second assignment exceeded the partition cap")
	case <-time.After(50 * time.Millisecond):
	}

	m.Revoke(p("t", 0))
	select {
	case <-assigned:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not released on revoke")
	}
	m.Revoke(p("t", 1))
	m.Close()
}

func TestMux_EmitRejectsNonMonotonicOffsets(t *testing.T) {
	m := NewMux(MuxConfig{Buffer: 8})
	ctx := context.Background()

	s, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := s.Emit(ctx, msg(p("t", 0), 5)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var ioe *offsets.InvalidOffsetError
	if err := s.Emit(ctx, msg(p("t", 0), 5)); !errors.As(err, &ioe) {
		t.Fatalf("repeated offset: want InvalidOffsetError, got %v", err)
	}
	if err := s.Emit(ctx, msg(p("t", 0), 4)); !errors.As(err, &ioe) {
		t.Fatalf("regressed offset: want InvalidOffsetError, got %v", err)
	}
	if err := s.Emit(ctx, msg(p("t", 1), 6)); err == nil {
		t.Fatal("emitting a foreign partition must fail")
	}
	if err := s.Emit(ctx, msg(p("t", 0), 6)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	m.Revoke(p("t", 0))
	m.Close()
}

func TestMux_IsolatedStreamsAreIndependent(t *testing.T) {
	m := NewMux(MuxConfig{Mode: ModeIsolated, Buffer: 4})
	ctx := context.Background()

	s0, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	s1, err := m.Assign(ctx, p("t", 1))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	for i := int64(0); i < 2; i++ {
		if err := s0.Emit(ctx, msg(p("t", 0), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if err := s1.Emit(ctx, msg(p("t", 1), i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	s0.Finish()
	s1.Finish()
	go m.Close()

	// the partition-0 reader does not start until partition 1 has fully
	// drained; this deadlocks unless the streams really are independent
	p1Drained := make(chan struct{})
	var mu sync.Mutex
	got := map[kpipe.Partition]int{}
	err = m.RunIsolated(ctx, func(ctx context.Context, ps *PartitionStream) error {
		if ps.Partition() == p("t", 0) {
			select {
			case <-p1Drained:
			case <-time.After(5 * time.Second):
				return errors.New("partition 1 never drained; streams are coupled")
			}
		}
		for m := range ps.Messages() {
			if m.Partition != ps.Partition() {
				return errors.New("cross-partition delivery")
			}
			mu.Lock()
			got[m.Partition]++
			mu.Unlock()
		}
		if ps.Partition() == p("t", 1) {
			close(p1Drained)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("RunIsolated: %v", err)
	}
	if got[p("t", 0)] != 2 || got[p("t", 1)] != 2 {
		t.Fatalf("want 2 messages per stream, got %v", got)
	}
}

func TestMux_OnRevokeFiresOnlyForAbandonedStreams(t *testing.T) {
	var mu sync.Mutex
	var revoked []kpipe.Partition
	m := NewMux(MuxConfig{
		Buffer: 4,
		OnRevoke: func(part kpipe.Partition) {
			mu.Lock()
			revoked = append(revoked, part)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	s0, err := m.Assign(ctx, p("t", 0))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := m.Assign(ctx, p("t", 1)); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	s0.Finish()
	m.Revoke(p("t", 1))
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(revoked) != 1 || revoked[0] != p("t", 1) {
		t.Fatalf("OnRevoke calls = %v, want only t[1]", revoked)
	}
}

func TestMux_AssignAfterCloseFails(t *testing.T) {
	m := NewMux(MuxConfig{})
	m.Close()
	if _, err := m.Assign(context.Background(), p("t", 0)); !errors.Is(err, ErrMuxClosed) {
		t.Fatalf("want ErrMuxClosed, got %v", err)
	}
}
