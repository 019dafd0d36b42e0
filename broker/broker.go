// Package broker holds the collaborator contracts at the boundary of the
// pipeline core — sources that poll a partitioned log and producers that
// write to one — plus the sarama-backed drivers implementing them.
package broker

import (
	"context"
	"fmt"

	"kpipe"
	"kpipe/consumer"
	"kpipe/internal/config"
)

// Source pulls records per a subscription and feeds them into a mux,
// opening and closing per-partition sub-streams as assignments change.
// Run blocks until ctx is cancelled or the session fails.
type Source interface {
	Configure(config.Broker) error
	Run(ctx context.Context, sub *consumer.Subscription, mux *consumer.Mux) error
	Close() error
}

// StatsAware sources accept the session counter set. Optional; the
// pipeline wires it when present.
type StatsAware interface {
	BindStats(*consumer.Stats)
}

// Delivery is the result of producing one record. Pass returns the
// envelope's pass-through payload unchanged, so a committable offset can
// ride through a produce call and be committed afterwards.
type Delivery struct {
	Partition kpipe.Partition
	Offset    int64
	Pass      any
}

// Producer writes envelopes to the log.
type Producer interface {
	Send(ctx context.Context, env kpipe.Envelope) (Delivery, error)
	Close() error
}

/*──────── registry ───────*/

// Factory builds a Source (e.g. the sarama group or static driver).
type Factory func() Source

var registry = map[string]Factory{}

// Register is called from main's driver factory map.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a driver by name ("sarama-group", "sarama-static", …).
func New(name string) (Source, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("broker: unsupported driver %q", name)
}
