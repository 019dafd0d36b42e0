package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"kpipe/broker"
	"kpipe/consumer"
	"kpipe/internal/config"
	"kpipe/internal/logging"
	"kpipe/internal/telemetry"
	"kpipe/pipeline"
	"kpipe/sink"
	_ "kpipe/sink/stdout"
	"kpipe/supervisor"
)

func main() {
	pipelinePath := flag.String("pipeline", "pipeline.yml", "path to the pipeline file")
	flag.Parse()

	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker.Register("sarama-group", func() broker.Source { return &broker.GroupSource{} })
	broker.Register("sarama-static", func() broker.Source { return &broker.StaticSource{} })

	pipe, confPath, err := config.LoadPipeline(*pipelinePath)
	if err != nil {
		log.Fatalf("pipeline file: %v", err)
	}
	cfg, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	port := pipe.MetricsPort
	if port == 0 {
		port = 9100
	}
	telemetry.Expose(port)

	snk, err := sink.New(pipe.Sink.Kind)
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	defer snk.Close()

	sub := consumer.Topics(pipe.Source.Topics...).
		WithRebalanceHandler(func(ev consumer.PartitionEvent) error {
			logging.L().Info("rebalance", "event", ev.Type.String(), "partitions", len(ev.Partitions))
			return nil
		})

	err = supervisor.Run(ctx, supervisor.Config{
		MinBackoff:      cfg.Restart.MinBackoff,
		MaxBackoff:      cfg.Restart.MaxBackoff,
		RandomFactor:    cfg.Restart.RandomFactor,
		ResetAfter:      cfg.Restart.ResetAfter,
		ShutdownTimeout: cfg.Restart.ShutdownTimeout,
	}, func(ctx context.Context) (supervisor.Pipeline, error) {
		src, err := broker.New(pipe.Source.Driver)
		if err != nil {
			return nil, err
		}
		if err := src.Configure(cfg.Broker); err != nil {
			return nil, err
		}
		ctl := pipeline.Start(ctx, src, sub, func(ctx context.Context, m consumer.Message) error {
			return snk.Save(ctx, m)
		}, pipeline.Config{
			Commit: consumer.CoordinatorConfig{
				MaxBatchSize: cfg.Commit.MaxBatchSize,
				Window:       cfg.Commit.Window,
				Parallelism:  cfg.Commit.Parallelism,
			},
			MaxConcurrentPartitions: cfg.Consumer.MaxConcurrentPartitions,
			Buffer:                  cfg.Consumer.Buffer,
			DrainTimeout:            cfg.Restart.ShutdownTimeout,
		})
		return ctl, nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("kpipe: %v", err)
	}
}
