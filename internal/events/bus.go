// Package events fans gateway events out to SSE subscribers. Delivery is
// best effort: a subscriber that cannot keep up loses events rather than
// stalling the routing path.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteSuccess EventType = "route_success"
	EventRouteError   EventType = "route_error"
	EventFailover     EventType = "failover"
	EventQuotaDenied  EventType = "quota_denied"
	EventHealthChange EventType = "health_change"
	EventRegistry     EventType = "registry_reload"

	EventKeyRotationExpired EventType = "key_rotation_expired"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields (populated for route/failover/quota events).
	Org         string  `json:"org,omitempty"`
	ProviderKey string  `json:"provider_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	LatencyMs   float64 `json:"latency_ms,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	ErrorClass  string  `json:"error_class,omitempty"`
	ErrorMsg    string  `json:"error_msg,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	// Health fields (populated for health_change events).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// API key fields (populated for key rotation events).
	APIKeyName string `json:"api_key_name,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

const defaultBuffer = 64

// Subscriber receives events on C until unsubscribed. Dropped reports how
// many events were lost to a full buffer.
type Subscriber struct {
	C       chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// Dropped returns the number of events lost because C was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is an in-memory pub/sub fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber whose channel buffers bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel. C stays
// open so a concurrent Publish never sends on a closed channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish delivers e to every subscriber without blocking. The timestamp
// is stamped here when the producer left it zero.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
