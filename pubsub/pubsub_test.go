package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/mrjvadi/crew/codec"
	"github.com/mrjvadi/crew/connection"
	"github.com/mrjvadi/crew/connection/conntest"
	"github.com/mrjvadi/crew/pubsub"
)

func setup(t *testing.T) (*conntest.Broker, *connection.Manager) {
	t.Helper()
	b := conntest.NewBroker()
	m := connection.New("amqp://localhost/",
		connection.WithDialer(b.Dial),
		connection.WithReconnectDelay(10*time.Millisecond),
	)
	m.Connect()
	t.Cleanup(func() { _ = m.Close() })
	return b, m
}

func collect(t *testing.T, s *pubsub.Subscriber, channel string) (<-chan pubsub.Message, *pubsub.Subscription) {
	t.Helper()
	out := make(chan pubsub.Message, 8)
	sub, err := s.Subscribe(channel, func(m pubsub.Message) { out <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sub.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	return out, sub
}

func TestFanOutByChannelName(t *testing.T) {
	_, m := setup(t)
	s := pubsub.NewSubscriber(m, nil, nil)
	a, _ := collect(t, s, "test")
	b, _ := collect(t, s, "test")
	other, _ := collect(t, s, "other")

	p := pubsub.NewPublisher(m, nil)
	ctx := context.Background()
	if err := p.Publish(ctx, "test", map[string]string{"hello": "world"}, codec.NameJSON); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, ch := range []<-chan pubsub.Message{a, b} {
		select {
		case msg := <-ch:
			var got map[string]string
			if err := msg.Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got["hello"] != "world" || msg.Channel != "test" {
				t.Fatalf("subscriber %d got %#v on %s", i, got, msg.Channel)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
	select {
	case msg := <-other:
		t.Fatalf("subscriber of other channel received %q", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b, m := setup(t)
	s := pubsub.NewSubscriber(m, nil, nil)
	got, sub := collect(t, s, "news")

	ctx := context.Background()
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := pubsub.NewPublisher(m, nil).Publish(ctx, "news", "late", codec.NameText); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg, ok := <-got:
		if ok {
			t.Fatalf("received after unsubscribe: %q", msg.Body)
		}
	case <-time.After(50 * time.Millisecond):
	}
	if b.HasQueue(sub.Queue) {
		t.Fatalf("subscriber queue %s still exists", sub.Queue)
	}

	// بعد از reconnect صف دوباره declare نمی‌شود
	b.ResetLog()
	b.Drop()
	if err := pubsub.NewPublisher(m, nil).Publish(ctx, "news", "again", codec.NameText); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
	for _, line := range b.Log() {
		if line == "queue.declare "+sub.Queue || line == "basic.consume "+sub.Queue {
			t.Fatalf("unsubscribed queue replayed: %v", b.Log())
		}
	}
	if b.HasQueue(sub.Queue) {
		t.Fatalf("subscriber queue %s came back after reconnect", sub.Queue)
	}
}

func TestUnknownSerializer(t *testing.T) {
	_, m := setup(t)
	if err := pubsub.NewPublisher(m, nil).Publish(context.Background(), "x", 1, "pickle"); err == nil {
		t.Fatalf("expected error")
	}
}
