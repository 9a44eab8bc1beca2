package engine

import (
	"sync"
	"time"

	"github.com/sanonone/imagesdb/pkg/metrics"
)

// EventType names a collection change.
type EventType string

const (
	EventInserted       EventType = "inserted"
	EventRemoved        EventType = "removed"
	EventCleared        EventType = "cleared"
	EventIngestProgress EventType = "ingest_progress"
	EventIngestDone     EventType = "ingest_done"
)

// Event is delivered to subscribers after a change has been applied.
type Event struct {
	Type EventType `json:"type"`
	ID   uint64    `json:"id,omitempty"`
	Key  string    `json:"key,omitempty"`

	// Ingestion progress.
	Done   int `json:"done,omitempty"`
	Total  int `json:"total,omitempty"`
	Failed int `json:"failed,omitempty"`

	Time time.Time `json:"time"`
}

// eventBus fans events out to subscriber channels. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribe returns a channel of collection events and a function that
// cancels the subscription. buf sizes the channel; events are dropped for a
// subscriber that falls behind. The channel is closed on cancel or Close.
func (c *Collection) Subscribe(buf int) (<-chan Event, func()) {
	return c.events.subscribe(buf)
}

// Publish forwards an event produced outside the collection, such as
// ingestion progress, to subscribers.
func (c *Collection) Publish(ev Event) {
	c.events.publish(ev)
}
