package broker

import (
	"context"

	"github.com/IBM/sarama"

	"kpipe"
	"kpipe/internal/config"
)

// SaramaProducer writes envelopes through a synchronous sarama producer.
// The envelope's Pass payload rides on ProducerMessage.Metadata and is
// returned unchanged in the Delivery, which is what lets a committable
// offset flow through a consume→produce→commit chain.
type SaramaProducer struct {
	sp sarama.SyncProducer
}

func NewSaramaProducer(cfg config.Broker) (*SaramaProducer, error) {
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, kpipe.Transient(err)
	}
	return &SaramaProducer{sp: sp}, nil
}

func (p *SaramaProducer) Send(ctx context.Context, env kpipe.Envelope) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	msg := &sarama.ProducerMessage{
		Topic:    env.Topic,
		Value:    sarama.ByteEncoder(env.Value),
		Metadata: env.Pass,
	}
	if len(env.Key) > 0 {
		msg.Key = sarama.ByteEncoder(env.Key)
	}
	part, off, err := p.sp.SendMessage(msg)
	if err != nil {
		return Delivery{Pass: env.Pass}, kpipe.Transient(err)
	}
	return Delivery{
		Partition: kpipe.Partition{Topic: env.Topic, Number: part},
		Offset:    off,
		Pass:      msg.Metadata,
	}, nil
}

func (p *SaramaProducer) Close() error {
	return p.sp.Close()
}
