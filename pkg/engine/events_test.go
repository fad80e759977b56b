package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	bus.Publish(Event{Type: EventStatus, Message: "hello"})

	select {
	case e := <-ch:
		if e.Type != EventStatus || e.Message != "hello" {
			t.Errorf("event = %+v", e)
		}
		if e.TS == "" {
			t.Error("timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventBusSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewEventBus()
	_, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	// Overflow the subscriber buffer; Publish must never block.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: EventStatus, Message: "flood"})
	}
}

func TestEventBusRecent(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(Event{Type: EventStatus, Message: "first"})
	bus.Publish(Event{Type: EventAlert, Message: "second"})
	bus.Publish(Event{Type: EventNarrative, Message: "third"})

	recent := bus.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	if recent[0].Message != "second" || recent[1].Message != "third" {
		t.Errorf("recent = %+v, want the two newest in order", recent)
	}

	if got := bus.Recent(0); len(got) != 3 {
		t.Errorf("Recent(0) = %d, want all", len(got))
	}
}

func TestEventBusRecentRingBound(t *testing.T) {
	bus := NewEventBus()
	for i := 0; i < 250; i++ {
		bus.Publish(Event{Type: EventStatus})
	}
	if got := bus.Recent(0); len(got) != 200 {
		t.Errorf("ring = %d, want bounded at 200", len(got))
	}
}

func TestMarshalEvent(t *testing.T) {
	b := Event{Type: EventAlert, Message: "drift"}.MarshalEvent()
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Type != EventAlert || e.Message != "drift" || e.TS == "" {
		t.Errorf("event = %+v", e)
	}
}
