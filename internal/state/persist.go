package state

import (
	"encoding/json"
	"os"
	"time"

	"github.com/wordflow/autopilot/internal/entity"
)

// stateFile is the on-disk snapshot. Browser pool and IMAP status are
// runtime-only and never persisted.
type stateFile struct {
	Capacity    entity.CapacityMap  `json:"capacity"`
	ActiveTasks []entity.ActiveTask `json:"activeTasks"`
	System      struct {
		Status    SystemStatus `json:"status"`
		StartTime time.Time    `json:"startTime"`
		LastError *LastError   `json:"lastError"`
	} `json:"system"`
	SavedAt time.Time `json:"savedAt"`
}

// SaveToFile writes capacity, active tasks, and the last error to statePath,
// and mirrors the active-task list to tasksPath for external tooling.
func (m *Manager) SaveToFile(statePath, tasksPath string) error {
	m.mu.RLock()
	var file stateFile
	file.Capacity = m.capacity.Clone()
	file.ActiveTasks = m.tasksLocked()
	file.System.Status = m.system.Status
	file.System.StartTime = m.system.StartTime
	if m.system.LastError != nil {
		le := *m.system.LastError
		file.System.LastError = &le
	}
	file.SavedAt = time.Now()
	m.mu.RUnlock()

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath, raw, 0o644); err != nil {
		return &entity.FileIOError{Path: statePath, Op: "write", Err: err}
	}

	if tasksPath != "" {
		tasksRaw, err := json.MarshalIndent(file.ActiveTasks, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(tasksPath, tasksRaw, 0o644); err != nil {
			return &entity.FileIOError{Path: tasksPath, Op: "write", Err: err}
		}
	}
	return nil
}

// LoadFromFile restores capacity, active tasks, and the last error from a
// prior SaveToFile. StartTime keeps the current process's value, and
// runtime-only fields (pool, IMAP) are untouched. A missing file is not an
// error.
func (m *Manager) LoadFromFile(statePath string) error {
	raw, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &entity.FileIOError{Path: statePath, Op: "read", Err: err}
	}

	var file stateFile
	if err := json.Unmarshal(raw, &file); err != nil {
		m.logger.Warnw("state file corrupt, ignoring", "path", statePath, "error", err)
		return nil
	}

	m.mu.Lock()
	if file.Capacity != nil {
		m.capacity = file.Capacity.Clone()
	}
	m.tasks = nil
	for _, t := range file.ActiveTasks {
		m.tasks = append(m.tasks, t.Clone())
	}
	m.system.LastError = file.System.LastError
	capPayload := m.capacityLocked()
	taskPayload := m.tasksLocked()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventCapacity, Payload: capPayload})
	m.bus.Publish(Event{Type: EventTasks, Payload: taskPayload})
	return nil
}
