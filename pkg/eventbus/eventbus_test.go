package eventbus

import (
	"testing"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(DefaultConfig(), nil)
	defer bus.Stop()

	sub, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Publish(Event{Type: EventRouteAdded, Server: "peer.example.com"})

	select {
	case got := <-sub.C:
		if got.Type != EventRouteAdded || got.Server != "peer.example.com" {
			t.Errorf("event = %+v", got)
		}
		if got.Timestamp == 0 {
			t.Error("timestamp not stamped")
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestFilterByType(t *testing.T) {
	bus := New(DefaultConfig(), nil)
	defer bus.Stop()

	sub, _ := bus.Subscribe(Filter{Types: []string{EventOverlayTimeout}})

	bus.Publish(Event{Type: EventRouteAdded})
	bus.Publish(Event{Type: EventOverlayTimeout})

	select {
	case got := <-sub.C:
		if got.Type != EventOverlayTimeout {
			t.Errorf("type = %q", got.Type)
		}
	default:
		t.Fatal("no event delivered")
	}
	select {
	case got := <-sub.C:
		t.Fatalf("unexpected second event %+v", got)
	default:
	}
}

func TestFilterByServer(t *testing.T) {
	bus := New(DefaultConfig(), nil)
	defer bus.Stop()

	sub, _ := bus.Subscribe(Filter{Server: "peer.example.com"})

	bus.Publish(Event{Type: EventFederationSent, Server: "other.example.com"})
	bus.Publish(Event{Type: EventFederationSent, Server: "peer.example.com"})

	select {
	case got := <-sub.C:
		if got.Server != "peer.example.com" {
			t.Errorf("server = %q", got.Server)
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New(Config{MaxSubscribers: 10, QueueSize: 1}, nil)
	defer bus.Stop()

	sub, _ := bus.Subscribe(Filter{})

	// Second publish overflows the queue and must not block.
	bus.Publish(Event{Type: EventFederationSent})
	bus.Publish(Event{Type: EventFederationSent})

	if got := len(sub.C); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New(DefaultConfig(), nil)
	defer bus.Stop()

	sub, _ := bus.Subscribe(Filter{})
	if err := bus.Unsubscribe(sub.ID); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d", bus.Len())
	}

	// Channel is closed after unsubscribe.
	if _, open := <-sub.C; open {
		t.Error("channel still open after unsubscribe")
	}

	err := bus.Unsubscribe(sub.ID)
	if !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestSubscriberLimit(t *testing.T) {
	bus := New(Config{MaxSubscribers: 1, QueueSize: 1}, nil)
	defer bus.Stop()

	bus.Subscribe(Filter{})
	_, err := bus.Subscribe(Filter{})
	if !errors.IsKind(err, errors.KindResourceExhausted) {
		t.Fatalf("want resource_exhausted, got %v", err)
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	bus := New(DefaultConfig(), nil)
	sub, _ := bus.Subscribe(Filter{})

	bus.Stop()

	if _, open := <-sub.C; open {
		t.Error("channel still open after stop")
	}
	if _, err := bus.Subscribe(Filter{}); err == nil {
		t.Error("Subscribe() after stop must fail")
	}

	// Publishing after stop is a no-op, not a panic.
	bus.Publish(Event{Type: EventFederationSent})
}
