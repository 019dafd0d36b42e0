package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kpipe"
	"kpipe/offsets"
)

var (
	// ErrMuxClosed is returned for operations on a closed multiplexer.
	ErrMuxClosed = errors.New("consumer: mux is closed")
	// ErrStreamClosed is returned when emitting to a finished or revoked
	// sub-stream.
	ErrStreamClosed = errors.New("consumer: partition stream is closed")
)

// MuxMode selects how sub-streams reach the consumer.
type MuxMode int

const (
	// ModeMerged folds every per-partition sub-stream into Merged().
	ModeMerged MuxMode = iota
	// ModeIsolated hands each sub-stream out on Streams() so one stuck
	// partition never blocks the others.
	ModeIsolated
)

type MuxConfig struct {
	Mode MuxMode
	// MaxConcurrentPartitions bounds concurrently open sub-streams;
	// 0 means unlimited.
	MaxConcurrentPartitions int
	// Buffer is the per-partition channel depth (default 16).
	Buffer int
	// OnRevoke is invoked after a sub-stream is terminated by revocation
	// (never by Finish), once its forwarder has stopped and before a
	// reassignment of the same partition can proceed.
	OnRevoke func(kpipe.Partition)
	Stats    *Stats
}

// Mux splits one subscription into a dynamic set of per-partition
// sub-streams, created and destroyed as the broker assigns and revokes
// partitions. The arena of active stream handles is mutated only through
// Assign/Revoke calls from the driver's single coordination goroutine;
// everything else holds references.
type Mux struct {
	cfg     MuxConfig
	merged  chan Message
	streams chan *PartitionStream
	slots   chan struct{}

	mu     sync.Mutex
	active map[kpipe.Partition]*PartitionStream
	closed bool
	wg     sync.WaitGroup
}

func NewMux(cfg MuxConfig) *Mux {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	streamsDepth := cfg.MaxConcurrentPartitions
	if streamsDepth <= 0 {
		streamsDepth = 16
	}
	m := &Mux{
		cfg:     cfg,
		merged:  make(chan Message),
		streams: make(chan *PartitionStream, streamsDepth),
		active:  make(map[kpipe.Partition]*PartitionStream),
	}
	if cfg.MaxConcurrentPartitions > 0 {
		m.slots = make(chan struct{}, cfg.MaxConcurrentPartitions)
	}
	return m
}

// Merged returns the unified stream of all sub-streams (ModeMerged). The
// channel closes once the mux is closed and every sub-stream has drained.
func (m *Mux) Merged() <-chan Message { return m.merged }

// Streams returns newly assigned sub-streams (ModeIsolated).
func (m *Mux) Streams() <-chan *PartitionStream { return m.streams }

// Assign opens the sub-stream for p. If a previous sub-stream for the
// same partition has not fully closed yet, Assign waits for it first:
// overlapping delivery for one partition is forbidden. It then waits for
// an open-sub-stream slot when MaxConcurrentPartitions is set.
func (m *Mux) Assign(ctx context.Context, p kpipe.Partition) (*PartitionStream, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMuxClosed
		}
		prev := m.active[p]
		m.mu.Unlock()
		if prev == nil {
			break
		}
		select {
		case <-prev.term:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := &PartitionStream{
		p:    p,
		mux:  m,
		in:   make(chan Message, m.cfg.Buffer),
		out:  make(chan Message),
		fin:  make(chan struct{}),
		done: make(chan struct{}),
		term: make(chan struct{}),
		last: -1,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if m.slots != nil {
			<-m.slots
		}
		return nil, ErrMuxClosed
	}
	m.active[p] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.cfg.Stats.PartitionOpened()
	go s.forward()

	if m.cfg.Mode == ModeIsolated {
		select {
		case m.streams <- s:
		case <-ctx.Done():
			s.close()
			return nil, ctx.Err()
		}
	}
	return s, nil
}

// Revoke terminates the sub-stream for p. Buffered but undelivered
// messages are abandoned; with at-least-once semantics they are
// redelivered after reassignment.
func (m *Mux) Revoke(p kpipe.Partition) {
	m.mu.Lock()
	s := m.active[p]
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Close shuts the mux down gracefully: no new assignments are accepted,
// remaining sub-streams are awaited, then the output channels close. The
// driver must have finished or revoked every sub-stream before calling it.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	close(m.merged)
	close(m.streams)
}

// Abort revokes every active sub-stream and closes the mux.
func (m *Mux) Abort() {
	m.mu.Lock()
	act := make([]*PartitionStream, 0, len(m.active))
	for _, s := range m.active {
		act = append(act, s)
	}
	m.mu.Unlock()
	for _, s := range act {
		s.close()
	}
	m.Close()
}

// RunIsolated materializes one pipeline per assigned sub-stream and
// tracks completion of all of them. It returns after the mux closes (or
// ctx is cancelled) and every pipeline has finished; the first pipeline
// error wins.
func (m *Mux) RunIsolated(ctx context.Context, fn func(context.Context, *PartitionStream) error) error {
	var wg sync.WaitGroup
	errc := make(chan error, 1)
	streams := m.streams
	for streams != nil {
		select {
		case s, ok := <-streams:
			if !ok {
				streams = nil
				continue
			}
			wg.Add(1)
			go func(s *PartitionStream) {
				defer wg.Done()
				if err := fn(ctx, s); err != nil {
					select {
					case errc <- err:
					default:
					}
				}
			}(s)
		case <-ctx.Done():
			streams = nil
		}
	}
	wg.Wait()
	select {
	case err := <-errc:
		return err
	default:
		return ctx.Err()
	}
}

// PartitionStream is the sub-stream of one assigned partition. The
// owning driver emits into it; consumers read Messages (ModeIsolated) or
// the mux's Merged channel.
type PartitionStream struct {
	p   kpipe.Partition
	mux *Mux

	in   chan Message
	out  chan Message
	fin  chan struct{} // graceful: drain buffered, then close
	done chan struct{} // revoked: abandon buffered

	mu        sync.Mutex
	finished  bool
	abandoned bool
	last      int64

	finOnce   sync.Once
	closeOnce sync.Once
	term      chan struct{} // forwarder exited; stream fully closed
}

func (s *PartitionStream) Partition() kpipe.Partition { return s.p }

// Messages is the consumer side of the sub-stream (ModeIsolated). It
// closes when the partition is revoked or finished.
func (s *PartitionStream) Messages() <-chan Message { return s.out }

// Done is closed when the sub-stream is revoked.
func (s *PartitionStream) Done() <-chan struct{} { return s.done }

// Emit delivers one record. Offsets must be strictly increasing within
// the sub-stream; a regression is fatal to the session.
func (s *PartitionStream) Emit(ctx context.Context, m Message) error {
	if m.Partition != s.p {
		return fmt.Errorf("consumer: message for %s emitted on stream %s", m.Partition, s.p)
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.last >= 0 && m.Offset <= s.last {
		have := s.last
		s.mu.Unlock()
		return &offsets.InvalidOffsetError{Partition: s.p, Have: have, Got: m.Offset}
	}
	s.last = m.Offset
	s.mu.Unlock()

	select {
	case s.in <- m:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the sub-stream cleanly: buffered messages still drain to
// the consumer. The driver must not Emit afterwards.
func (s *PartitionStream) Finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.finOnce.Do(func() { close(s.fin) })
}

// close revokes the sub-stream, abandoning anything still buffered.
func (s *PartitionStream) close() {
	s.mu.Lock()
	s.finished = true
	s.abandoned = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *PartitionStream) forward() {
	defer s.terminate()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.in:
			if !s.deliver(m) {
				return
			}
		case <-s.fin:
			for {
				select {
				case m := <-s.in:
					if !s.deliver(m) {
						return
					}
				case <-s.done:
					return
				default:
					return
				}
			}
		}
	}
}

func (s *PartitionStream) deliver(m Message) bool {
	dest := s.mux.merged
	if s.mux.cfg.Mode == ModeIsolated {
		dest = s.out
	}
	select {
	case dest <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *PartitionStream) terminate() {
	if s.mux.cfg.Mode == ModeIsolated {
		close(s.out)
	}
	s.mux.mu.Lock()
	if s.mux.active[s.p] == s {
		delete(s.mux.active, s.p)
	}
	s.mux.mu.Unlock()
	if s.mux.slots != nil {
		<-s.mux.slots
	}
	s.mux.cfg.Stats.PartitionClosed()
	s.mu.Lock()
	abandoned := s.abandoned
	s.mu.Unlock()
	if abandoned && s.mux.cfg.OnRevoke != nil {
		s.mux.cfg.OnRevoke(s.p)
	}
	close(s.term)
	s.mux.wg.Done()
}
