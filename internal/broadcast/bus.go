// Package broadcast is the fire-and-forget event channel between the proxy
// core and its clients (the IDE, the admin event stream, the status view).
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event.
type EventType string

const (
	// EventNotification is a user-facing message such as "Invalid credentials".
	EventNotification EventType = "notification"
	// EventConnectionUpdate is emitted after a cluster's connection state or
	// metadata changed.
	EventConnectionUpdate EventType = "connection-update"
)

// Level of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is what travels over the bus.
type Event struct {
	Type      EventType `json:"type"`
	ClusterID string    `json:"clusterId"`
	Level     Level     `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	// State and Version are set on connection updates.
	State     string    `json:"state,omitempty"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification builds a notification event.
func Notification(clusterID string, level Level, message string) Event {
	return Event{
		Type:      EventNotification,
		ClusterID: clusterID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ConnectionUpdate builds a connection-update event.
func ConnectionUpdate(clusterID, state, version string) Event {
	return Event{
		Type:      EventConnectionUpdate,
		ClusterID: clusterID,
		State:     state,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// Broadcaster is the publishing side of the bus.
type Broadcaster interface {
	Broadcast(Event)
}

// Filter selects the events a subscription receives. Nil accepts everything.
type Filter func(Event) bool

// Subscription receives events on C until Close is called.
type Subscription struct {
	ID     string
	C      <-chan Event
	ch     chan Event
	filter Filter

	mu     sync.RWMutex
	closed bool
	bus    *Bus
}

// Close detaches the subscription and closes C. It is idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver never blocks; it reports false when the event was dropped.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	if s.filter != nil && !s.filter(ev) {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Bus is an in-process publish/subscribe bus. Slow subscribers lose events
// instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Broadcast implements Broadcaster.
func (b *Bus) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		if !s.deliver(ev) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription with the given buffer size.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		filter: filter,
		bus:    b,
	}

	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Stats returns the number of published and dropped deliveries.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}

// ForCluster filters events of one cluster.
func ForCluster(clusterID string) Filter {
	return func(ev Event) bool { return ev.ClusterID == clusterID }
}

// Discard is a Broadcaster that drops everything.
var Discard Broadcaster = discard{}

type discard struct{}

func (discard) Broadcast(Event) {}
