package state

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EventType tags a state-change notification.
type EventType string

const (
	EventCapacity    EventType = "state:capacity"
	EventTasks       EventType = "state:tasks"
	EventBrowserPool EventType = "state:browserPool"
	EventIMAP        EventType = "state:imap"
	EventSystem      EventType = "state:system"
	EventReset       EventType = "state:reset"
)

// Event is one published state change. Payload is a deep copy; listeners may
// keep or mutate it freely.
type Event struct {
	Type    EventType
	Payload interface{}
}

// Listener receives events synchronously, in mutation order.
type Listener func(Event)

const maxListeners = 32

// Bus is a small synchronous pub/sub. A panicking listener never prevents the
// remaining listeners from running.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	logger    *zap.SugaredLogger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{listeners: make(map[int]Listener), logger: logger}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (b *Bus) Subscribe(l Listener) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) >= maxListeners {
		return nil, fmt.Errorf("event bus: listener limit (%d) reached", maxListeners)
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}, nil
}

// Publish delivers the event to every listener in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	// Registration order: ids are monotonically assigned.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.dispatch(l, ev)
	}
}

func (b *Bus) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	l(ev)
}
