// Package consumer implements the client-side consumption core: the
// partitioned source multiplexer, the commit coordinator, the consumer
// control handle, and the subscription surface drivers consume from.
package consumer

import (
	"time"

	"kpipe"
	"kpipe/offsets"
)

// Message is one delivered record paired with the token that commits its
// offset. Ownership of Committable transfers downstream with the message:
// it must eventually be committed, or dropped for at-most-once semantics.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Partition kpipe.Partition
	Offset    int64
	Timestamp time.Time

	Committable offsets.Committable
}
