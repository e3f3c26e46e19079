package pending

import (
	"strings"
	"testing"
	"time"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
)

func TestReserveResolve(t *testing.T) {
	registry := NewRegistry(0)

	slot, err := registry.Reserve("msg-1")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d", registry.Len())
	}

	want := matrix.FederationResponse{StatusCode: 200, Body: map[string]any{"ok": true}}
	if !registry.Resolve("msg-1", want) {
		t.Fatal("Resolve() found no slot")
	}

	select {
	case got := <-slot:
		if got.StatusCode != 200 {
			t.Errorf("status = %d", got.StatusCode)
		}
	default:
		t.Fatal("slot empty after resolve")
	}

	if registry.Len() != 0 {
		t.Errorf("Len() = %d after resolve", registry.Len())
	}
}

func TestResolveAtMostOnce(t *testing.T) {
	registry := NewRegistry(0)
	registry.Reserve("msg-1")

	first := registry.Resolve("msg-1", matrix.FederationResponse{StatusCode: 200})
	second := registry.Resolve("msg-1", matrix.FederationResponse{StatusCode: 500})

	if !first {
		t.Error("first resolve not delivered")
	}
	if second {
		t.Error("second resolve must be discarded")
	}
}

func TestResolveUnknownIsDiscarded(t *testing.T) {
	registry := NewRegistry(0)

	if registry.Resolve("never-reserved", matrix.FederationResponse{StatusCode: 200}) {
		t.Error("resolve of unknown id must report no slot")
	}
}

func TestForget(t *testing.T) {
	registry := NewRegistry(0)
	registry.Reserve("msg-1")
	registry.Forget("msg-1")

	if registry.Len() != 0 {
		t.Errorf("Len() = %d after forget", registry.Len())
	}
	if registry.Resolve("msg-1", matrix.FederationResponse{StatusCode: 200}) {
		t.Error("late resolve after forget must be discarded")
	}

	// Forgetting twice is harmless.
	registry.Forget("msg-1")
}

func TestReserveDuplicate(t *testing.T) {
	registry := NewRegistry(0)
	registry.Reserve("msg-1")

	_, err := registry.Reserve("msg-1")
	if !errors.IsKind(err, errors.KindInvalidRequest) {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestReserveLimit(t *testing.T) {
	registry := NewRegistry(2)
	registry.Reserve("msg-1")
	registry.Reserve("msg-2")

	_, err := registry.Reserve("msg-3")
	if !errors.IsKind(err, errors.KindResourceExhausted) {
		t.Fatalf("want resource_exhausted, got %v", err)
	}

	// Forgetting frees capacity.
	registry.Forget("msg-1")
	if _, err := registry.Reserve("msg-3"); err != nil {
		t.Fatalf("Reserve() after forget error = %v", err)
	}
}

func TestResolveDoesNotBlockWithoutConsumer(t *testing.T) {
	registry := NewRegistry(0)
	registry.Reserve("msg-1")

	done := make(chan struct{})
	go func() {
		registry.Resolve("msg-1", matrix.FederationResponse{StatusCode: 200})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve() blocked with no consumer")
	}
}

func TestMintMessageID(t *testing.T) {
	id := MintMessageID()

	parts := strings.Split(id, "_")
	if len(parts) != 2 {
		t.Fatalf("id = %q, want <uuid>_<millis>", id)
	}
	if len(parts[0]) != 36 {
		t.Errorf("uuid part = %q", parts[0])
	}
	if MintMessageID() == id {
		t.Error("ids must be unique")
	}
}
