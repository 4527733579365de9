package api

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	org := "org_a"
	ch := b.Subscribe(org)
	defer func() { recover() }() // ignore close panic if already closed

	evt := SSEEvent{Type: "location.updated", Data: map[string]any{"workerId": "w1"}}
	b.Publish(org, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["workerId"].(string) != "w1" {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(org, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

func TestBrokerOrgIsolation(t *testing.T) {
	b := NewBroker()
	chA := b.Subscribe("org_a")
	chB := b.Subscribe("org_b")
	defer b.Unsubscribe("org_a", chA)
	defer b.Unsubscribe("org_b", chB)

	b.Publish("org_a", SSEEvent{Type: "worker.duty"})

	select {
	case <-chA:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("org_a subscriber missed its event")
	}
	select {
	case evt := <-chB:
		t.Fatalf("org_b should not see org_a events, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("org_a")
	defer b.Unsubscribe("org_a", ch)

	// never block the publisher, even past the buffer
	for i := 0; i < 2*cap(ch); i++ {
		b.Publish("org_a", SSEEvent{Type: "location.updated"})
	}
	if got := len(ch); got != cap(ch) {
		t.Fatalf("expected full buffer %d, got %d", cap(ch), got)
	}
}
