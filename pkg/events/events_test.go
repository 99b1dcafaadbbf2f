package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventWorkerJoined, Message: "w1"})

	select {
	case ev := <-sub:
		if ev.Type != EventWorkerJoined {
			t.Errorf("Type = %v, want %v", ev.Type, EventWorkerJoined)
		}
		if ev.Message != "w1" {
			t.Errorf("Message = %q, want %q", ev.Message, "w1")
		}
		if ev.Timestamp.IsZero() {
			t.Error("Publish should stamp a zero Timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventManagerJoined})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0 after unsubscribe", got)
	}
}

func TestSubscriberCountTracksActiveSubscriptions(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	sub := b.Subscribe()
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
	b.Unsubscribe(sub)
}

func TestPublishDoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Flood well past the subscriber's buffer without draining it; a slow
	// subscriber must never stall publication for everyone else.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventContainerCronRun})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestStopTerminatesRunLoop(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	// Publish after Stop should return via the stopCh case rather than
	// hanging forever since nothing drains eventCh anymore.
	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventWorkerDisconnected})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish after Stop should not block")
	}
}
