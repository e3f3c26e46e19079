// Package pending tracks federation requests in flight over the
// overlay. Each outbound request reserves a one-shot slot keyed by its
// message_id; the inbound relay resolves the slot when the peer's
// response envelope arrives.
package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
)

// Registry holds the pending-call slots. reserve, resolve and forget
// each take the exclusive lock for the duration of the map operation
// only; waiting on a slot happens outside the lock on the returned
// channel.
type Registry struct {
	mutex sync.Mutex
	slots map[string]chan matrix.FederationResponse
	limit int
}

// NewRegistry returns a registry that rejects reservations beyond
// limit concurrent slots. limit <= 0 means unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{
		slots: make(map[string]chan matrix.FederationResponse),
		limit: limit,
	}
}

// MintMessageID returns a fresh correlation id: a random UUID joined
// with the current Unix-millisecond timestamp.
func MintMessageID() string {
	return fmt.Sprintf("%s_%d", uuid.New(), time.Now().UnixMilli())
}

// Reserve inserts an empty slot for messageID and returns the channel
// the eventual response is delivered on. The channel is buffered so a
// resolver never blocks on a consumer that has already given up.
func (r *Registry) Reserve(messageID string) (<-chan matrix.FederationResponse, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.limit > 0 && len(r.slots) >= r.limit {
		return nil, errors.ResourceExhausted("pending registry is full (%d slots)", r.limit)
	}
	if _, exists := r.slots[messageID]; exists {
		return nil, errors.InvalidRequest("message_id already pending: %s", messageID)
	}

	slot := make(chan matrix.FederationResponse, 1)
	r.slots[messageID] = slot
	return slot, nil
}

// Resolve transfers a response into the slot for messageID and removes
// it. A response for an unknown or already-forgotten id is discarded;
// the return value reports whether a slot was waiting.
func (r *Registry) Resolve(messageID string, response matrix.FederationResponse) bool {
	r.mutex.Lock()
	slot, ok := r.slots[messageID]
	if ok {
		delete(r.slots, messageID)
	}
	r.mutex.Unlock()

	if !ok {
		return false
	}
	slot <- response
	return true
}

// Forget removes the slot for messageID without resolving it. Called
// on timeout and on failed submission so abandoned slots never
// accumulate.
func (r *Registry) Forget(messageID string) {
	r.mutex.Lock()
	delete(r.slots, messageID)
	r.mutex.Unlock()
}

// Len returns the number of requests currently awaiting a response.
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.slots)
}
