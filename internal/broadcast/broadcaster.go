// Package broadcast fans state-manager events out to the dashboard
// transport, coalescing the high-frequency ones.
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/state"
)

// Transport delivers one typed JSON message to every connected dashboard
// client. Implementations must not block indefinitely.
type Transport interface {
	Broadcast(messageType string, payload interface{}) error
}

// messageTypes maps state events to dashboard message types.
var messageTypes = map[state.EventType]string{
	state.EventCapacity:    "capacityUpdated",
	state.EventTasks:       "tasksUpdated",
	state.EventBrowserPool: "browserPoolUpdated",
	state.EventIMAP:        "imapUpdated",
	state.EventSystem:      "systemUpdated",
	state.EventReset:       "stateReset",
}

// debounced events are coalesced per key: only the latest payload within the
// quiet window is sent.
var debounced = map[state.EventType]bool{
	state.EventCapacity: true,
	state.EventTasks:    true,
}

// Broadcaster subscribes to the state bus and forwards events to the
// transport. Transport errors are logged and never break the subscription
// chain.
type Broadcaster struct {
	transport Transport
	debounce  time.Duration
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	timers      map[state.EventType]*time.Timer
	latest      map[state.EventType]interface{}
	unsubscribe func()
	closed      bool
}

// New builds a broadcaster and subscribes it to the manager's bus.
func New(mgr *state.Manager, transport Transport, debounce time.Duration, logger *zap.SugaredLogger) (*Broadcaster, error) {
	b := &Broadcaster{
		transport: transport,
		debounce:  debounce,
		logger:    logger,
		timers:    make(map[state.EventType]*time.Timer),
		latest:    make(map[state.EventType]interface{}),
	}
	unsub, err := mgr.Bus().Subscribe(b.handle)
	if err != nil {
		return nil, err
	}
	b.unsubscribe = unsub
	return b, nil
}

func (b *Broadcaster) handle(ev state.Event) {
	msgType, ok := messageTypes[ev.Type]
	if !ok {
		return
	}

	if !debounced[ev.Type] {
		b.send(msgType, ev.Payload)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest[ev.Type] = ev.Payload
	if timer, exists := b.timers[ev.Type]; exists {
		timer.Reset(b.debounce)
		return
	}
	evType := ev.Type
	b.timers[evType] = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		payload := b.latest[evType]
		delete(b.timers, evType)
		delete(b.latest, evType)
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.send(msgType, payload)
		}
	})
}

// send forwards to the transport, isolating its failures.
func (b *Broadcaster) send(msgType string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("dashboard transport panicked", "type", msgType, "panic", r)
		}
	}()
	if err := b.transport.Broadcast(msgType, payload); err != nil {
		b.logger.Warnw("dashboard broadcast failed", "type", msgType, "error", err)
	}
}

// Close cancels pending timers and unsubscribes from the bus.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for evType, timer := range b.timers {
		timer.Stop()
		delete(b.timers, evType)
	}
	b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}
