package broker

import (
	"github.com/IBM/sarama"

	"kpipe"
	"kpipe/internal/config"
)

// saramaConfig translates the broker config into a sarama client config,
// shared by every driver in this package.
func saramaConfig(cfg config.Broker) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Consumer.Return.Errors = true
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	sc.Consumer.Offsets.Initial = initialOffset(cfg)
	return sc, nil
}

// initialOffset maps auto_offset_reset onto sarama's initial position.
func initialOffset(cfg config.Broker) int64 {
	if cfg.AutoOffsetReset == "earliest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

func toHeaders(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}

func partitionOf(msg *sarama.ConsumerMessage) kpipe.Partition {
	return kpipe.Partition{Topic: msg.Topic, Number: msg.Partition}
}
