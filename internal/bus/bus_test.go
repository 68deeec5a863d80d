package bus_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/persistence"
)

func openTestBus(t *testing.T) (*bus.Bus, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "lugh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(store, nil)
	t.Cleanup(b.Shutdown)
	return b, store
}

func TestCanonicalizeChannelStripsSpecialChars(t *testing.T) {
	cases := map[string]string{
		"task_available":       "task_available",
		"agent_stop_abc-123":   "agent_stop_abc123",
		"task.assigned:worker": "taskassignedworker",
	}
	for input, want := range cases {
		if got := bus.CanonicalizeChannel(input); got != want {
			t.Errorf("CanonicalizeChannel(%q) = %q, want %q", input, got, want)
		}
	}
}

// TestPublishSubscribeRoundTrip exercises R3: decode(encode(p)) == p.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := openTestBus(t)
	ctx := context.Background()

	type payload struct {
		TaskID string `json:"task_id"`
		Count  int    `json:"count"`
	}
	received := make(chan payload, 1)

	unsubscribe, err := b.Subscribe("task_available", func(raw []byte) {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Errorf("unmarshal payload: %v", err)
			return
		}
		received <- p
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	want := payload{TaskID: "task-1", Count: 7}
	if err := b.Publish(ctx, "task_available", want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber to receive message")
	}
}

// TestSubscribeCanonicalizationMatchesPublish guards against the
// historical drift bug: a subscriber registered with a noisy channel
// name must still receive messages published under the equivalent
// canonical form.
func TestSubscribeCanonicalizationMatchesPublish(t *testing.T) {
	b, _ := openTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	unsubscribe, err := b.Subscribe("agent_stop-42", func(raw []byte) {
		received <- raw
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := b.Publish(ctx, "agent_stop42", map[string]string{"reason": "stop"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscriber to receive message published under the canonicalized channel name")
	}
}

func TestMultipleHandlersOnSameChannelBothFire(t *testing.T) {
	b, _ := openTestBus(t)
	ctx := context.Background()

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)

	unsub1, err := b.Subscribe("task_available", func([]byte) { first <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	defer unsub1()
	unsub2, err := b.Subscribe("task_available", func([]byte) { second <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	defer unsub2()

	if err := b.Publish(ctx, "task_available", map[string]string{"x": "y"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-first:
		case <-second:
		case <-timeout:
			t.Fatal("timed out waiting for both handlers to fire")
		}
	}
}

func TestPublishAfterShutdownFails(t *testing.T) {
	b, _ := openTestBus(t)
	b.Shutdown()

	if err := b.Publish(context.Background(), "task_available", map[string]string{}); err == nil {
		t.Error("expected Publish to fail after Shutdown")
	}
}

func TestPublishLargePayloadWarnsButSucceeds(t *testing.T) {
	b, _ := openTestBus(t)
	ctx := context.Background()

	big := make([]byte, payloadWarnSizeForTest+100)
	for i := range big {
		big[i] = 'x'
	}
	err := b.Publish(ctx, "task_available", map[string]string{"blob": string(big)})
	if err != nil {
		t.Fatalf("Publish with large payload should still succeed: %v", err)
	}
}

const payloadWarnSizeForTest = 7900
