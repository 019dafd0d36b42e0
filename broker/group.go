package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"

	"kpipe"
	"kpipe/consumer"
	"kpipe/internal/config"
	"kpipe/internal/logging"
	"kpipe/offsets"
)

// GroupSource consumes through the broker's group-coordination protocol:
// partition assignment is dynamic, and every rebalance is translated into
// mux sub-stream churn plus subscription events.
type GroupSource struct {
	cfg   config.Broker
	cl    sarama.Client
	group sarama.ConsumerGroup
	stats *consumer.Stats

	closeOnce sync.Once
}

func (s *GroupSource) Configure(cfg config.Broker) error {
	s.cfg = cfg
	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	if s.cl, err = sarama.NewClient(cfg.Brokers, sc); err != nil {
		return kpipe.Transient(err)
	}
	if s.group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, s.cl); err != nil {
		_ = s.cl.Close()
		return kpipe.Transient(err)
	}
	return nil
}

func (s *GroupSource) BindStats(st *consumer.Stats) { s.stats = st }

// Run joins the group and keeps consuming across rebalances until ctx is
// cancelled or the session fails. Offset regressions come back unwrapped
// (fatal); everything else is marked transient for the supervisor.
func (s *GroupSource) Run(ctx context.Context, sub *consumer.Subscription, mux *consumer.Mux) error {
	go func() {
		for err := range s.group.Errors() {
			logging.L().Warn("group source: async error", "err", err)
		}
	}()

	h := &groupHandler{src: s, sub: sub, mux: mux, runCtx: ctx}
	for {
		if err := s.group.Consume(ctx, sub.TopicNames(), h); err != nil {
			var ioe *offsets.InvalidOffsetError
			if errors.As(err, &ioe) {
				return err
			}
			return kpipe.Transient(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *GroupSource) Close() error {
	s.closeOnce.Do(func() {
		_ = s.group.Close()
		_ = s.cl.Close()
	})
	return nil
}

type groupHandler struct {
	src    *GroupSource
	sub    *consumer.Subscription
	mux    *consumer.Mux
	runCtx context.Context

	comm *sessionCommitter
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.comm = &sessionCommitter{sess: sess}
	parts := claimedPartitions(sess)
	h.src.stats.AddRebalance()
	logging.L().Info("group source: partitions assigned", "count", len(parts))
	h.sub.Notify(consumer.PartitionEvent{Type: consumer.PartitionsAssigned, Partitions: parts})
	return nil
}

// Cleanup runs after every ConsumeClaim returned and before the member
// rejoins, so revoked keys cannot be processed again until the handler
// has been notified.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	parts := claimedPartitions(sess)
	h.src.stats.AddRebalance()
	logging.L().Info("group source: partitions revoked", "count", len(parts))
	h.sub.Notify(consumer.PartitionEvent{Type: consumer.PartitionsRevoked, Partitions: parts})
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	p := kpipe.Partition{Topic: claim.Topic(), Number: claim.Partition()}
	ps, err := h.mux.Assign(sess.Context(), p)
	if err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				h.leave(ps, p)
				return nil
			}
			m := consumer.Message{
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   toHeaders(msg.Headers),
				Partition: p,
				Offset:    msg.Offset,
				Timestamp: msg.Timestamp,
				Committable: offsets.Committable{
					Partition: p,
					Offset:    msg.Offset,
					Committer: h.comm,
				},
			}
			if err := ps.Emit(sess.Context(), m); err != nil {
				if errors.Is(err, context.Canceled) {
					h.leave(ps, p)
					return nil
				}
				h.mux.Revoke(p)
				return err
			}
			h.src.stats.AddRecord(len(msg.Value))

		case <-sess.Context().Done():
			h.leave(ps, p)
			return nil
		}
	}
}

// leave ends a claim's sub-stream. Sarama cancels the session context on
// every rebalance as well as on external stop, so the run context is what
// tells the two apart: still alive means the partition was revoked and
// buffered messages must be abandoned for redelivery; cancelled means the
// member is stopping and buffered messages may drain downstream.
func (h *groupHandler) leave(ps *consumer.PartitionStream, p kpipe.Partition) {
	if h.runCtx.Err() != nil {
		ps.Finish()
		return
	}
	h.mux.Revoke(p)
}

func claimedPartitions(sess sarama.ConsumerGroupSession) []kpipe.Partition {
	var out []kpipe.Partition
	for topic, nums := range sess.Claims() {
		for _, n := range nums {
			out = append(out, kpipe.Partition{Topic: topic, Number: n})
		}
	}
	return out
}

// sessionCommitter commits through one group session. Commits against a
// finished session are rejected: its partitions may already belong to
// another group member.
type sessionCommitter struct {
	sess sarama.ConsumerGroupSession
}

func (c *sessionCommitter) CommitOffsets(ctx context.Context, offs map[kpipe.Partition]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.sess.Context().Err() != nil {
		return offsets.ErrSessionDone
	}
	for p, off := range offs {
		// the broker tracks the next offset to deliver, hence +1
		c.sess.MarkOffset(p.Topic, p.Number, off+1, "")
	}
	c.sess.Commit()
	return nil
}
