// Package kpipe holds the value types shared by every layer of the
// pipeline: the partition key, the producer envelope, and the transient
// error marker the restart supervisor keys on.
package kpipe

import (
	"errors"
	"fmt"
)

// Partition identifies one shard of a topic. Offsets are only comparable
// within a single Partition. The zero value is not a valid partition.
type Partition struct {
	Topic  string
	Number int32
}

func (p Partition) String() string {
	return fmt.Sprintf("%s[%d]", p.Topic, p.Number)
}

// Envelope is what a producer sends: a value plus an opaque pass-through
// payload returned unchanged alongside the delivery result. Carrying a
// committable offset in Pass is how consume→produce→commit chains work.
type Envelope struct {
	Topic string
	Key   []byte
	Value []byte
	Pass  any
}

// TransientError marks an I/O-level failure that a supervisor may retry
// with backoff. Data-integrity failures must never be wrapped in it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether any error in err's chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
