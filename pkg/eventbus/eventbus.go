// Package eventbus distributes bridge activity to live subscribers.
// Operators watch federation traffic in real time over the WebSocket
// surface without polling the status endpoint.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
)

// Bridge event types published on the bus.
const (
	EventFederationSent    = "federation.sent"
	EventOverlayResolved   = "overlay.resolved"
	EventOverlayTimeout    = "overlay.timeout"
	EventOverlayFallback   = "overlay.fallback"
	EventOverlayUp         = "overlay.up"
	EventOverlayDown       = "overlay.down"
	EventEnvelopeReceived  = "envelope.received"
	EventRouteAdded        = "route.added"
	EventRouteRemoved      = "route.removed"
	EventRouteLearned      = "route.learned"
	EventRouteDiscovered   = "route.discovered"
)

// Event is one bridge activity record.
type Event struct {
	Type      string         `json:"type"`
	Server    string         `json:"server,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Filter selects which events a subscriber receives. Zero value
// matches everything.
type Filter struct {
	Types  []string
	Server string
}

// Subscriber is one attached consumer. Events arrive on C; a consumer
// that falls behind has events dropped rather than blocking the bus.
type Subscriber struct {
	ID     string
	Filter Filter
	C      chan Event

	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	s.mu.Unlock()
}

// Config holds event bus limits.
type Config struct {
	MaxSubscribers int
	QueueSize      int
}

// DefaultConfig returns the default bus limits.
func DefaultConfig() Config {
	return Config{
		MaxSubscribers: 100,
		QueueSize:      100,
	}
}

// Bus fans bridge events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	nextID      uint64
	config      Config
	log         *logger.Logger
	closed      bool
}

// New creates an event bus.
func New(config Config, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Global()
	}
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = DefaultConfig().MaxSubscribers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		config:      config,
		log:         log.WithComponent("eventbus"),
	}
}

// Publish delivers an event to every matching subscriber. Slow
// subscribers are skipped; the bus never blocks a publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	dropped := 0
	for id, sub := range b.subscribers {
		if !matchesFilter(event, sub.Filter) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			dropped++
			b.log.Warn("subscriber queue full, event dropped", "subscriber_id", id, "event_type", event.Type)
		}
	}
}

// Subscribe attaches a consumer with the given filter.
func (b *Bus) Subscribe(filter Filter) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.InvalidRequest("event bus is stopped")
	}
	if len(b.subscribers) >= b.config.MaxSubscribers {
		return nil, errors.ResourceExhausted("subscriber limit reached (%d)", b.config.MaxSubscribers)
	}

	b.nextID++
	sub := &Subscriber{
		ID:     fmt.Sprintf("sub-%d", b.nextID),
		Filter: filter,
		C:      make(chan Event, b.config.QueueSize),
	}
	b.subscribers[sub.ID] = sub

	b.log.Debug("subscriber attached", "subscriber_id", sub.ID)
	return sub, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (b *Bus) Unsubscribe(subscriberID string) error {
	b.mu.Lock()
	sub, exists := b.subscribers[subscriberID]
	if exists {
		delete(b.subscribers, subscriberID)
	}
	b.mu.Unlock()

	if !exists {
		return errors.NotFound("no subscriber %s", subscriberID)
	}
	sub.close()

	b.log.Debug("subscriber detached", "subscriber_id", subscriberID)
	return nil
}

// Len returns the number of attached subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stop detaches all subscribers and refuses further use.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}
	b.log.Info("event bus stopped")
}

func matchesFilter(event Event, filter Filter) bool {
	if filter.Server != "" && event.Server != filter.Server {
		return false
	}
	if len(filter.Types) > 0 {
		match := false
		for _, t := range filter.Types {
			if event.Type == t {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
