package sink

import (
	"context"
	"errors"
	"fmt"

	"kpipe"
	"kpipe/consumer"
)

// ErrNoCheckpoint means the sink holds no externally stored offset for
// the partition; the caller should fall back to the broker-tracked one.
var ErrNoCheckpoint = errors.New("sink: no checkpoint for partition")

// Sink is the business collaborator at the downstream edge of the
// pipeline. The pipeline core never looks inside it: records go in,
// and an optional external offset checkpoint comes back out, used to
// resume via an explicit-offset assignment instead of the broker store.
type Sink interface {
	Save(ctx context.Context, m consumer.Message) error
	Update(ctx context.Context, key, payload []byte) error
	LoadOffset(ctx context.Context, p kpipe.Partition) (int64, error)
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Sink

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func New(name string) (Sink, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
