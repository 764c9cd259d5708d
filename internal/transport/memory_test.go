package transport

import (
	"testing"
	"time"
)

func TestMemoryFanout(t *testing.T) {
	bus := NewMemoryPubSub()

	chA, cancelA, err := bus.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer cancelA()
	chB, cancelB, err := bus.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer cancelB()

	if err := bus.Publish("topic", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish("other", []byte("noise")); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	for name, ch := range map[string]<-chan Message{"a": chA, "b": chB} {
		select {
		case msg := <-ch:
			if msg.Topic != "topic" || string(msg.Payload) != "hello" {
				t.Fatalf("subscriber %s got %q on %q", name, msg.Payload, msg.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got nothing", name)
		}
	}

	select {
	case msg := <-chA:
		t.Fatalf("unexpected extra message %q on %q", msg.Payload, msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	bus := NewMemoryPubSub()

	ch, cancel, err := bus.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if _, open := <-ch; open {
		t.Fatal("expected channel closed after cancel")
	}
	// Publishing to a topic with no subscribers left must not fail.
	if err := bus.Publish("topic", []byte("late")); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestMemoryPayloadIsolated(t *testing.T) {
	bus := NewMemoryPubSub()

	ch, cancel, err := bus.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	payload := []byte("original")
	if err := bus.Publish("topic", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload[0] = 'X'

	select {
	case msg := <-ch:
		if string(msg.Payload) != "original" {
			t.Fatalf("payload shared with publisher: %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}
