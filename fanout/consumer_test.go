package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sessioncast/sessioncast"
	busmemory "github.com/sessioncast/sessioncast/bus/memory"
)

func TestConsumerFansOutBusMessages(t *testing.T) {
	reg, ch, pub := newFixture(t)
	subscribe(t, reg, "c1", "abc1234567", "u1")

	b := busmemory.New()
	defer b.Close()
	consumer := NewConsumer(b, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if _, err := b.Publish(ctx, sessioncast.Message{
		SessionID: "abc1234567",
		Payload:   []byte(`"via bus"`),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for ch.SendsTo("c1") == 0 {
		select {
		case <-deadline:
			t.Fatal("bus message never reached the subscriber")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestConsumerSkipsUnroutableMessages(t *testing.T) {
	reg, ch, pub := newFixture(t)
	subscribe(t, reg, "c1", "abc1234567", "u1")

	b := busmemory.New()
	defer b.Close()
	consumer := NewConsumer(b, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)

	// A message without a routing key is poison: dropped, not fatal.
	if _, err := b.Publish(ctx, sessioncast.Message{Payload: []byte(`"lost"`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The consumer must still be alive to handle the next message.
	if _, err := b.Publish(ctx, sessioncast.Message{
		SessionID: "abc1234567",
		Payload:   []byte(`"kept"`),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for ch.SendsTo("c1") == 0 {
		select {
		case <-deadline:
			t.Fatal("consumer stopped after a poison message")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
