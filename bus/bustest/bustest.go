// Package bustest provides a conformance test suite for bus.Bus
// implementations.
package bustest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/bus"
)

// BusFactory is a function that creates a new bus instance for testing.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishAndReceive", func(t *testing.T) {
		testPublishAndReceive(t, factory)
	})
	t.Run("SubscriberContextCancellation", func(t *testing.T) {
		testSubscriberContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
}

func testPublishAndReceive(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var received []bus.Envelope

	subscriptionDone := make(chan error, 1)
	go func() {
		subscriptionDone <- b.Subscribe(ctx, func(ctx context.Context, env bus.Envelope) error {
			mu.Lock()
			received = append(received, env)
			n := len(received)
			mu.Unlock()
			if n >= 2 {
				cancel()
			}
			return nil
		})
	}()

	// Give the subscription time to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	for _, text := range []string{`"one"`, `"two"`} {
		id, err := b.Publish(ctx, sessioncast.Message{
			SessionID: "abc1234567",
			Payload:   []byte(text),
		})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if id == "" {
			t.Fatal("Publish returned an empty envelope id")
		}
	}

	select {
	case err := <-subscriptionDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription to finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) < 2 {
		t.Fatalf("received %d envelopes, want at least 2", len(received))
	}
	seen := map[string]bool{}
	for _, env := range received {
		if env.Message.SessionID != "abc1234567" {
			t.Fatalf("envelope carries session %q", env.Message.SessionID)
		}
		seen[string(env.Message.Payload)] = true
	}
	if !seen[`"one"`] || !seen[`"two"`] {
		t.Fatalf("missing payloads, saw %v", seen)
	}
}

func testSubscriberContextCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(ctx context.Context, env bus.Envelope) error {
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop on context cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wantErr := errors.New("handler failure")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(ctx context.Context, env bus.Envelope) error {
			return wantErr
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := b.Publish(ctx, sessioncast.Message{SessionID: "abc1234567", Payload: []byte(`"x"`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("Subscribe returned %v, want the handler error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
}
