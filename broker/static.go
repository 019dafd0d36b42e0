package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"kpipe"
	"kpipe/consumer"
	"kpipe/internal/config"
	"kpipe/internal/logging"
	"kpipe/offsets"
)

// StaticSource consumes a manual partition assignment: no group
// coordination, no rebalances. Starting positions come from the
// subscription (explicit offset or timestamp) or fall back to
// auto_offset_reset. When a group id is configured, commits go through
// the broker's offset store for that group; without one, offsets are
// expected to live in an external checkpoint and commits are dropped.
type StaticSource struct {
	cfg   config.Broker
	cl    sarama.Client
	cons  sarama.Consumer
	om    sarama.OffsetManager
	stats *consumer.Stats

	mu   sync.Mutex
	poms map[kpipe.Partition]sarama.PartitionOffsetManager

	closeOnce sync.Once
}

func (s *StaticSource) Configure(cfg config.Broker) error {
	s.cfg = cfg
	s.poms = make(map[kpipe.Partition]sarama.PartitionOffsetManager)
	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	if s.cl, err = sarama.NewClient(cfg.Brokers, sc); err != nil {
		return kpipe.Transient(err)
	}
	if s.cons, err = sarama.NewConsumerFromClient(s.cl); err != nil {
		_ = s.cl.Close()
		return kpipe.Transient(err)
	}
	if cfg.GroupID != "" {
		if s.om, err = sarama.NewOffsetManagerFromClient(cfg.GroupID, s.cl); err != nil {
			_ = s.cons.Close()
			_ = s.cl.Close()
			return kpipe.Transient(err)
		}
	}
	return nil
}

func (s *StaticSource) BindStats(st *consumer.Stats) { s.stats = st }

func (s *StaticSource) Run(ctx context.Context, sub *consumer.Subscription, mux *consumer.Mux) error {
	parts := sub.Partitions()
	if len(parts) == 0 {
		return fmt.Errorf("static source: subscription assigns no partitions")
	}

	comm := s.committer()
	s.stats.AddRebalance()
	sub.Notify(consumer.PartitionEvent{Type: consumer.PartitionsAssigned, Partitions: parts})

	var wg sync.WaitGroup
	errc := make(chan error, len(parts))
	for _, p := range parts {
		start, err := s.startOffset(sub, p)
		if err != nil {
			errc <- err
			break
		}
		pc, err := s.cons.ConsumePartition(p.Topic, p.Number, start)
		if err != nil {
			errc <- kpipe.Transient(err)
			break
		}
		ps, err := mux.Assign(ctx, p)
		if err != nil {
			pc.AsyncClose()
			errc <- err
			break
		}
		wg.Add(1)
		go s.consumePartition(ctx, pc, ps, comm, errc, &wg)
	}
	wg.Wait()

	sub.Notify(consumer.PartitionEvent{Type: consumer.PartitionsRevoked, Partitions: parts})

	select {
	case err := <-errc:
		return err
	default:
		return ctx.Err()
	}
}

func (s *StaticSource) consumePartition(
	ctx context.Context,
	pc sarama.PartitionConsumer,
	ps *consumer.PartitionStream,
	comm offsets.Committer,
	errc chan<- error,
	wg *sync.WaitGroup,
) {
	defer wg.Done()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				ps.Finish()
				return
			}
			p := partitionOf(msg)
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
					Committer: comm,
				},
			}
			if err := ps.Emit(ctx, m); err != nil {
				pc.AsyncClose()
				ps.Finish()
				errc <- err
				return
			}
			s.stats.AddRecord(len(msg.Value))

		case err := <-pc.Errors():
			if err != nil {
				logging.L().Warn("static source: partition error", "err", err)
			}

		case <-ctx.Done():
			// stop polling; buffered sub-stream messages still drain
			pc.AsyncClose()
			for range pc.Messages() {
			}
			ps.Finish()
			return
		}
	}
}

// startOffset resolves the starting position for one partition.
func (s *StaticSource) startOffset(sub *consumer.Subscription, p kpipe.Partition) (int64, error) {
	if off, ok := sub.StartOffset(p); ok {
		return off, nil
	}
	if ts, ok := sub.StartTimestamp(p); ok {
		off, err := s.cl.GetOffset(p.Topic, p.Number, ts.UnixMilli())
		if err != nil {
			return 0, kpipe.Transient(err)
		}
		if off < 0 {
			// no record at or after the timestamp yet
			return sarama.OffsetNewest, nil
		}
		return off, nil
	}
	return initialOffset(s.cfg), nil
}

func (s *StaticSource) committer() offsets.Committer {
	if s.om == nil {
		return dropCommitter{}
	}
	return &managedCommitter{src: s}
}

func (s *StaticSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, pom := range s.poms {
			_ = pom.Close()
		}
		s.mu.Unlock()
		if s.om != nil {
			_ = s.om.Close()
		}
		_ = s.cons.Close()
		_ = s.cl.Close()
	})
	return nil
}

// managedCommitter stores offsets in the broker's offset store for the
// configured group.
type managedCommitter struct {
	src *StaticSource
}

func (c *managedCommitter) CommitOffsets(ctx context.Context, offs map[kpipe.Partition]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for p, off := range offs {
		pom, err := c.src.pom(p)
		if err != nil {
			return kpipe.Transient(err)
		}
		pom.MarkOffset(off+1, "")
	}
	c.src.om.Commit()
	return nil
}

func (s *StaticSource) pom(p kpipe.Partition) (sarama.PartitionOffsetManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pom, ok := s.poms[p]; ok {
		return pom, nil
	}
	pom, err := s.om.ManagePartition(p.Topic, p.Number)
	if err != nil {
		return nil, err
	}
	s.poms[p] = pom
	return pom, nil
}

// dropCommitter discards commits; used when offsets are checkpointed
// externally through the business sink instead of the broker.
type dropCommitter struct{}

func (dropCommitter) CommitOffsets(context.Context, map[kpipe.Partition]int64) error {
	return nil
}
