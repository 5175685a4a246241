package capacity

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

const historyRetention = 90 * 24 * time.Hour

// HistoryEntry records one completed task for the completion-time learner.
type HistoryEntry struct {
	Date             entity.Date `json:"date"`
	OrderID          string      `json:"orderId"`
	AllocatedWords   int         `json:"allocatedWords"`
	CompletionTimeMS int64       `json:"completionTimeMs"`
	Timestamp        time.Time   `json:"timestamp"`
}

// History is an append-only log of task completions, trimmed to the last 90
// days on every write.
type History struct {
	path   string
	now    func() time.Time
	logger *zap.SugaredLogger

	mu sync.Mutex
}

// NewHistory creates a history log persisted at path.
func NewHistory(path string, now func() time.Time, logger *zap.SugaredLogger) *History {
	if now == nil {
		now = time.Now
	}
	return &History{path: path, now: now, logger: logger}
}

func (h *History) load() []HistoryEntry {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		h.logger.Warnw("capacity history corrupt, starting fresh", "path", h.path, "error", err)
		return nil
	}
	return entries
}

// Append records a completion and trims entries past retention.
func (h *History) Append(e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}

	entries := h.load()
	entries = append(entries, e)

	cutoff := h.now().Add(-historyRetention)
	kept := entries[:0]
	for _, ent := range entries {
		if ent.Timestamp.After(cutoff) {
			kept = append(kept, ent)
		}
	}

	raw, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(h.path, raw, 0o644); err != nil {
		return &entity.FileIOError{Path: h.path, Op: "write", Err: err}
	}
	return nil
}

// AvgMSPerThousandWords returns the average completion time normalized to
// 1000 words, or 0 when no history exists.
func (h *History) AvgMSPerThousandWords() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.load()
	var totalMS, totalWords int64
	for _, e := range entries {
		if e.AllocatedWords <= 0 || e.CompletionTimeMS <= 0 {
			continue
		}
		totalMS += e.CompletionTimeMS
		totalWords += int64(e.AllocatedWords)
	}
	if totalWords == 0 {
		return 0
	}
	return totalMS * 1000 / totalWords
}
