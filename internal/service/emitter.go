package service

import (
	"context"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — decouples the sync service from its consumers
// ─────────────────────────────────────────────────────────────

// EventEmitter receives sync events. The Broadcaster fans them out to
// subscribers; tests use MockEmitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// Event is one emission as delivered to subscribers.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// MockEmitter records every emission.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Names returns the recorded event names in order.
func (m *MockEmitter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Events))
	for i, e := range m.Events {
		names[i] = e.Event
	}
	return names
}

// ── Broadcaster ────────────────────────────────────────────

// Broadcaster delivers events to bounded subscriber channels. A subscriber
// that falls behind loses events rather than stalling the sync loop.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped int
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel buffered to size and a func that
// unsubscribes and closes it.
func (b *Broadcaster) Subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 16
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Emit(_ context.Context, event string, data any) {
	ev := Event{Name: event, Data: data, At: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
