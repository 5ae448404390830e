package broadcast

import (
	"testing"
	"time"
)

func TestPublish_DeliversToSubscribersOfItsChannelOnly(t *testing.T) {
	h := NewHub()
	subA := NewSubscriber("a")
	subB := NewSubscriber("b")
	h.Subscribe("game:1", subA)
	h.Subscribe("game:2", subB)

	h.Publish("game:1", "chapter_created", map[string]int{"chapter_number": 2})

	select {
	case ev := <-subA.Send:
		if ev.Type != "chapter_created" {
			t.Fatalf("want chapter_created, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber of the published channel never received the event")
	}

	select {
	case ev := <-subB.Send:
		t.Fatalf("subscriber of a different channel must not receive it, got %v", ev)
	default:
	}
}

func TestSubscribe_ResubscribingMovesOutOfThePriorChannel(t *testing.T) {
	h := NewHub()
	sub := NewSubscriber("a")
	h.Subscribe("game:1", sub)
	h.Subscribe("game:2", sub)

	if h.SubscriberCount("game:1") != 0 {
		t.Fatalf("resubscribing must remove the subscriber from its old channel")
	}
	if h.SubscriberCount("game:2") != 1 {
		t.Fatalf("resubscribing must add the subscriber to the new channel")
	}
}

func TestUnsubscribe_RemovesFromCurrentChannel(t *testing.T) {
	h := NewHub()
	sub := NewSubscriber("a")
	h.Subscribe("game:1", sub)
	h.Unsubscribe(sub.ID)
	if h.SubscriberCount("game:1") != 0 {
		t.Fatalf("unsubscribe must remove the subscriber")
	}
}

func TestPublish_DropsOnFullBufferWithoutBlocking(t *testing.T) {
	h := NewHub()
	sub := NewSubscriber("a")
	h.Subscribe("game:1", sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+10; i++ {
			h.Publish("game:1", "tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish must never block on a full subscriber buffer")
	}
}

func TestSendTo_DoesNotReachOtherSubscribers(t *testing.T) {
	h := NewHub()
	subA := NewSubscriber("a")
	subB := NewSubscriber("b")
	h.Subscribe("game:1", subA)
	h.Subscribe("game:1", subB)

	h.SendTo(subA, "replay", "catch-up")

	select {
	case <-subA.Send:
	case <-time.After(time.Second):
		t.Fatalf("SendTo must deliver to the targeted subscriber")
	}
	select {
	case ev := <-subB.Send:
		t.Fatalf("SendTo must not broadcast to other subscribers of the same channel, got %v", ev)
	default:
	}
}
