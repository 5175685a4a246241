// Package state is the in-process source of truth for capacity, active
// tasks, and subsystem health, with a synchronous event bus fanning changes
// out to the dashboard broadcaster.
//
// Every getter returns a deep copy; callers can never mutate internal state
// through a returned value.
package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

// SystemStatus is the coarse process lifecycle state.
type SystemStatus string

const (
	SystemInitializing SystemStatus = "initializing"
	SystemReady        SystemStatus = "ready"
	SystemRunning      SystemStatus = "running"
	SystemPaused       SystemStatus = "paused"
	SystemError        SystemStatus = "error"
	SystemShuttingDown SystemStatus = "shutting_down"
)

// LastError is the most recent recorded failure.
type LastError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BrowserPoolStatus is the pool summary mirrored for the dashboard.
type BrowserPoolStatus struct {
	Total       int  `json:"total"`
	Available   int  `json:"available"`
	Busy        int  `json:"busy"`
	Initialized bool `json:"initialized"`
}

// IMAPStatus is the mail listener summary mirrored for the dashboard.
type IMAPStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Error         string    `json:"error,omitempty"`
}

// SystemState groups process-level fields.
type SystemState struct {
	Status    SystemStatus `json:"status"`
	StartTime time.Time    `json:"startTime"`
	LastError *LastError   `json:"lastError"`
}

// Snapshot is a full deep copy of the managed state, suitable for a
// first-connection dashboard sync.
type Snapshot struct {
	Capacity    entity.CapacityMap  `json:"capacity"`
	Overrides   entity.OverrideMap  `json:"overrides"`
	ActiveTasks []entity.ActiveTask `json:"activeTasks"`
	BrowserPool BrowserPoolStatus   `json:"browserPool"`
	IMAP        IMAPStatus          `json:"imap"`
	System      SystemState         `json:"system"`
}

// Manager owns the state. All mutators validate, apply, then publish a typed
// event on the bus.
type Manager struct {
	mu sync.RWMutex

	capacity  entity.CapacityMap
	overrides entity.OverrideMap
	tasks     []entity.ActiveTask
	pool      BrowserPoolStatus
	imap      IMAPStatus
	system    SystemState

	bus    *Bus
	logger *zap.SugaredLogger
}

// NewManager creates a manager in the initializing state.
func NewManager(logger *zap.SugaredLogger) *Manager {
	return &Manager{
		capacity:  entity.CapacityMap{},
		overrides: entity.OverrideMap{},
		system: SystemState{
			Status:    SystemInitializing,
			StartTime: time.Now(),
		},
		bus:    NewBus(logger),
		logger: logger,
	}
}

// Bus exposes the event bus for subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// --- Capacity mirror ---

// SetCapacity replaces the capacity mirror.
func (m *Manager) SetCapacity(capacity entity.CapacityMap, overrides entity.OverrideMap) error {
	if capacity == nil {
		return fmt.Errorf("state: capacity map must not be nil")
	}
	for d, v := range capacity {
		if v < 0 {
			return fmt.Errorf("state: negative used words for %s", d)
		}
	}
	m.mu.Lock()
	m.capacity = capacity.Clone()
	if overrides != nil {
		m.overrides = overrides.Clone()
	}
	payload := m.capacityLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventCapacity, Payload: payload})
	return nil
}

// Capacity returns a copy of the capacity mirror.
func (m *Manager) Capacity() entity.CapacityMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capacity.Clone()
}

// Overrides returns a copy of the override mirror.
func (m *Manager) Overrides() entity.OverrideMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overrides.Clone()
}

func (m *Manager) capacityLocked() entity.CapacityMap {
	return m.capacity.Clone()
}

// --- Active tasks ---

// AddActiveTask inserts a task, idempotent by order id.
func (m *Manager) AddActiveTask(t entity.ActiveTask) error {
	if t.OrderID == "" {
		return fmt.Errorf("state: active task requires an order id")
	}
	if t.AmountWords < 0 {
		return fmt.Errorf("state: active task has negative word count")
	}

	m.mu.Lock()
	exists := false
	for _, cur := range m.tasks {
		if cur.OrderID == t.OrderID {
			exists = true
			break
		}
	}
	if !exists {
		m.tasks = append(m.tasks, t.Clone())
	}
	payload := m.tasksLocked()
	m.mu.Unlock()

	if !exists {
		m.bus.Publish(Event{Type: EventTasks, Payload: payload})
	}
	return nil
}

// RemoveActiveTask deletes by order id. Removing an unknown id is a no-op.
func (m *Manager) RemoveActiveTask(orderID string) {
	m.mu.Lock()
	removed := false
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.OrderID == orderID {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	payload := m.tasksLocked()
	m.mu.Unlock()

	if removed {
		m.bus.Publish(Event{Type: EventTasks, Payload: payload})
	}
}

// ReplaceActiveTasks swaps the whole list, used by status sync.
func (m *Manager) ReplaceActiveTasks(tasks []entity.ActiveTask) {
	m.mu.Lock()
	m.tasks = make([]entity.ActiveTask, 0, len(tasks))
	for _, t := range tasks {
		m.tasks = append(m.tasks, t.Clone())
	}
	payload := m.tasksLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventTasks, Payload: payload})
}

// ActiveTasks returns a copy of the task list.
func (m *Manager) ActiveTasks() []entity.ActiveTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasksLocked()
}

// ActiveTask returns the task with the given order id, if present.
func (m *Manager) ActiveTask(orderID string) (entity.ActiveTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.OrderID == orderID {
			return t.Clone(), true
		}
	}
	return entity.ActiveTask{}, false
}

func (m *Manager) tasksLocked() []entity.ActiveTask {
	out := make([]entity.ActiveTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// --- Subsystem summaries ---

// SetBrowserPool updates the pool summary.
func (m *Manager) SetBrowserPool(s BrowserPoolStatus) error {
	if s.Total < 0 || s.Available < 0 || s.Busy < 0 {
		return fmt.Errorf("state: negative browser pool counts")
	}
	m.mu.Lock()
	m.pool = s
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventBrowserPool, Payload: s})
	return nil
}

// BrowserPool returns the pool summary.
func (m *Manager) BrowserPool() BrowserPoolStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// SetIMAP updates the mail listener summary.
func (m *Manager) SetIMAP(s IMAPStatus) {
	m.mu.Lock()
	m.imap = s
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventIMAP, Payload: s})
}

// IMAP returns the mail listener summary.
func (m *Manager) IMAP() IMAPStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imap
}

// --- System status ---

// SetSystemStatus moves the process lifecycle state.
func (m *Manager) SetSystemStatus(status SystemStatus) {
	m.mu.Lock()
	m.system.Status = status
	payload := m.systemLocked()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventSystem, Payload: payload})
}

// SetLastError records the most recent failure.
func (m *Manager) SetLastError(message string) {
	m.mu.Lock()
	m.system.LastError = &LastError{Message: message, Timestamp: time.Now()}
	payload := m.systemLocked()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventSystem, Payload: payload})
}

// System returns a copy of the system state.
func (m *Manager) System() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemLocked()
}

func (m *Manager) systemLocked() SystemState {
	out := m.system
	if m.system.LastError != nil {
		le := *m.system.LastError
		out.LastError = &le
	}
	return out
}

// --- Snapshot and reset ---

// Snapshot returns a full deep copy of the managed state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Capacity:    m.capacity.Clone(),
		Overrides:   m.overrides.Clone(),
		ActiveTasks: m.tasksLocked(),
		BrowserPool: m.pool,
		IMAP:        m.imap,
		System:      m.systemLocked(),
	}
}

// Reset clears capacity and active tasks and publishes a reset event.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.capacity = entity.CapacityMap{}
	m.overrides = entity.OverrideMap{}
	m.tasks = nil
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventReset})
}
