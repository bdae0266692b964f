// Package projection fans out read-only change events to subscribers such
// as the websocket stream. Publishing never blocks: a subscriber whose
// buffer is full misses events and is told so through Dropped.
package projection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// EventType names what changed.
type EventType string

const (
	EventQueue        EventType = "queue"
	EventConnectivity EventType = "connectivity"
	EventDrain        EventType = "drain"
	EventWallet       EventType = "wallet"
)

// Event is one change notification.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// EventQueue
	Item *domain.QueueItem `json:"item,omitempty"`
	From domain.Status     `json:"from,omitempty"`
	// EventConnectivity
	Online *bool `json:"online,omitempty"`
	// EventDrain and EventWallet
	Data any `json:"data,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Hub is a Publisher with any number of subscribers. The zero value is
// ready to use.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{subs: make(map[*subscriber]struct{})} }

// Subscription is a live subscription. Cancel must be called once the
// consumer is done; it closes C.
type Subscription struct {
	C      <-chan Event
	Cancel func()
	sub    *subscriber
}

// Dropped reports how many events were skipped because C was full.
func (s Subscription) Dropped() int64 { return s.sub.dropped.Load() }

// Subscribe registers a subscriber with a buffer of the given size.
func (h *Hub) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[*subscriber]struct{})
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return Subscription{
		C:   s.ch,
		sub: s,
		Cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				delete(h.subs, s)
				h.mu.Unlock()
				close(s.ch)
			})
		},
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// QueueObserver adapts the hub to the queue's observer hook.
func (h *Hub) QueueObserver() func(item domain.QueueItem, from domain.Status) {
	return func(item domain.QueueItem, from domain.Status) {
		it := item
		it.Payload = nil
		it.Sealed = nil
		h.Publish(Event{Type: EventQueue, Item: &it, From: from})
	}
}
