package consumer

import (
	"time"

	"kpipe"
	"kpipe/internal/logging"
	"kpipe/internal/telemetry"
)

// EventType tags a partition assignment event.
type EventType int

const (
	PartitionsAssigned EventType = iota
	PartitionsRevoked
)

func (t EventType) String() string {
	if t == PartitionsAssigned {
		return "assigned"
	}
	return "revoked"
}

// PartitionEvent is delivered when the broker's group protocol assigns or
// revokes partitions. Events are ephemeral: delivered once, never stored.
type PartitionEvent struct {
	Type       EventType
	Sub        *Subscription
	Partitions []kpipe.Partition
}

// RebalanceHandler is invoked synchronously relative to the broker's
// rebalance protocol: processing of revoked partitions does not resume
// until the handler has returned. Handlers must not commit offsets for
// revoked partitions; they may already be owned by another group member.
type RebalanceHandler func(PartitionEvent) error

type subKind int

const (
	subTopics subKind = iota
	subAssignment
	subAssignmentOffsets
	subAssignmentTimestamp
)

// Subscription describes what a session consumes. It is immutable once a
// session starts; build one with Topics or the Assignment constructors.
type Subscription struct {
	kind       subKind
	topics     []string
	partitions []kpipe.Partition
	offsets    map[kpipe.Partition]int64
	timestamps map[kpipe.Partition]time.Time

	events  chan<- PartitionEvent
	handler RebalanceHandler
}

// Topics subscribes to a fixed topic set; the broker's group protocol
// decides partition assignment.
func Topics(topics ...string) *Subscription {
	return &Subscription{kind: subTopics, topics: topics}
}

// Assignment consumes exactly the given partitions, starting from the
// broker-tracked (or auto-reset) position.
func Assignment(partitions ...kpipe.Partition) *Subscription {
	return &Subscription{kind: subAssignment, partitions: partitions}
}

// AssignmentWithOffsets consumes the given partitions from explicit
// starting offsets, e.g. a checkpoint loaded from an external store.
func AssignmentWithOffsets(offsets map[kpipe.Partition]int64) *Subscription {
	s := &Subscription{kind: subAssignmentOffsets, offsets: offsets}
	for p := range offsets {
		s.partitions = append(s.partitions, p)
	}
	return s
}

// AssignmentFromTimestamp consumes the given partitions starting from the
// first offset at or after each partition's timestamp.
func AssignmentFromTimestamp(timestamps map[kpipe.Partition]time.Time) *Subscription {
	s := &Subscription{kind: subAssignmentTimestamp, timestamps: timestamps}
	for p := range timestamps {
		s.partitions = append(s.partitions, p)
	}
	return s
}

// WithRebalanceEvents mirrors every assignment event onto ch. Sends are
// blocking: an unread channel stalls the rebalance, which is the point —
// delivery is synchronous relative to the broker protocol.
func (s *Subscription) WithRebalanceEvents(ch chan<- PartitionEvent) *Subscription {
	s.events = ch
	return s
}

// WithRebalanceHandler registers fn for assignment events. Errors and
// panics from fn are logged and counted; they never abort the rebalance.
func (s *Subscription) WithRebalanceHandler(fn RebalanceHandler) *Subscription {
	s.handler = fn
	return s
}

// Topics returns the subscribed topic names (group subscriptions only).
func (s *Subscription) TopicNames() []string { return s.topics }

// Partitions returns the manually assigned partitions, if any.
func (s *Subscription) Partitions() []kpipe.Partition { return s.partitions }

// StartOffset returns the explicit starting offset for p.
func (s *Subscription) StartOffset(p kpipe.Partition) (int64, bool) {
	off, ok := s.offsets[p]
	return off, ok
}

// StartTimestamp returns the starting timestamp for p.
func (s *Subscription) StartTimestamp(p kpipe.Partition) (time.Time, bool) {
	ts, ok := s.timestamps[p]
	return ts, ok
}

// Notify delivers an assignment event to the registered handler and event
// channel. Drivers call it from their rebalance callbacks, before (for
// revocations) partition processing resumes elsewhere.
func (s *Subscription) Notify(ev PartitionEvent) {
	if s == nil {
		return
	}
	ev.Sub = s
	if s.handler != nil {
		s.invokeHandler(ev)
	}
	if s.events != nil {
		s.events <- ev
	}
}

func (s *Subscription) invokeHandler(ev PartitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.RebalanceHandlerFailures.Inc()
			logging.L().Error("rebalance handler panicked", "event", ev.Type.String(), "panic", r)
		}
	}()
	if err := s.handler(ev); err != nil {
		telemetry.RebalanceHandlerFailures.Inc()
		logging.L().Error("rebalance handler failed", "event", ev.Type.String(), "err", err)
	}
}
