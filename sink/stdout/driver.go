// kpipe/sink/stdout/driver.go
package stdout

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kpipe"
	"kpipe/consumer"
	"kpipe/sink"
)

/* ────────── config ────────── */

type Config struct {
	DelayMS      int  // artificial per-record delay
	PrintCounter bool // prepend seq#
	PrintValue   bool
	ValueMax     int // truncate printed values (0 = no limit)
}

/* ────────── driver ────────── */

// driver is a debug sink: it prints records and holds no state, so
// LoadOffset never has a checkpoint to offer.
type driver struct {
	cfg Config
}

var seq uint64

func New(cfg Config) sink.Sink { return &driver{cfg: cfg} }

func (d *driver) Save(_ context.Context, m consumer.Message) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}
	val := ""
	if d.cfg.PrintValue {
		v := m.Value
		if d.cfg.ValueMax > 0 && len(v) > d.cfg.ValueMax {
			v = v[:d.cfg.ValueMax]
		}
		val = " " + string(v)
	}
	if d.cfg.PrintCounter {
		fmt.Printf("[sink %06d] %s@%d%s\n", atomic.AddUint64(&seq, 1), m.Partition, m.Offset, val)
	} else {
		fmt.Printf("[sink] %s@%d%s\n", m.Partition, m.Offset, val)
	}
	return nil
}

func (d *driver) Update(_ context.Context, key, payload []byte) error {
	fmt.Printf("[sink] update %q (%d bytes)\n", key, len(payload))
	return nil
}

func (d *driver) LoadOffset(_ context.Context, p kpipe.Partition) (int64, error) {
	return 0, sink.ErrNoCheckpoint
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Sink { return &driver{} })
}
