package stdout

import (
	"context"
	"errors"
	"testing"

	"kpipe"
	"kpipe/consumer"
	"kpipe/sink"
)

func TestDriverIsRegistered(t *testing.T) {
	s, err := sink.New("stdout")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	m := consumer.Message{
		Value:     []byte("hello"),
		Partition: kpipe.Partition{Topic: "t", Number: 0},
		Offset:    1,
	}
	if err := s.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Update(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLoadOffsetHasNoCheckpoint(t *testing.T) {
	d := New(Config{})
	_, err := d.LoadOffset(context.Background(), kpipe.Partition{Topic: "t", Number: 0})
	if !errors.Is(err, sink.ErrNoCheckpoint) {
		t.Fatalf("want ErrNoCheckpoint, got %v", err)
	}
}

func TestValueTruncation(t *testing.T) {
	d := New(Config{PrintValue: true, ValueMax: 3})
	m := consumer.Message{
		Value:     []byte("0123456789"),
		Partition: kpipe.Partition{Topic: "t", Number: 0},
		Offset:    2,
	}
	if err := d.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
