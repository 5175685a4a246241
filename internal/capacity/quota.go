package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

// Quota alert thresholds as percentages of the daily quota.
var quotaAlertSteps = []int{50, 80, 100}

// QuotaTracker counts accepted words inside a rolling daily window and
// remembers which alert steps were already raised, so operators hear about
// each step exactly once per window.
//
// The window key is "YYYY-MM-DD-<resetHour>h": a day that starts at the
// configured reset hour rather than midnight. Old windows are dropped on
// write.
type QuotaTracker struct {
	path       string
	dailyQuota int
	resetHour  int
	now        func() time.Time
	logger     *zap.SugaredLogger

	mu sync.Mutex
}

type quotaFile map[string]json.RawMessage

// NewQuotaTracker creates a tracker persisted at path.
func NewQuotaTracker(path string, dailyQuota, resetHour int, now func() time.Time, logger *zap.SugaredLogger) *QuotaTracker {
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{
		path:       path,
		dailyQuota: dailyQuota,
		resetHour:  resetHour,
		now:        now,
		logger:     logger,
	}
}

// windowKey names the current quota window.
func (q *QuotaTracker) windowKey() string {
	t := q.now()
	if t.Hour() < q.resetHour {
		t = t.AddDate(0, 0, -1)
	}
	return fmt.Sprintf("%s-%dh", entity.DateOf(t), q.resetHour)
}

func (q *QuotaTracker) load() (quotaFile, error) {
	raw, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return quotaFile{}, nil
	}
	if err != nil {
		return nil, &entity.FileIOError{Path: q.path, Op: "read", Err: err}
	}
	var file quotaFile
	if err := json.Unmarshal(raw, &file); err != nil {
		q.logger.Warnw("quota file corrupt, starting fresh", "path", q.path, "error", err)
		return quotaFile{}, nil
	}
	return file, nil
}

func (q *QuotaTracker) save(file quotaFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(q.path, raw, 0o644); err != nil {
		return &entity.FileIOError{Path: q.path, Op: "write", Err: err}
	}
	return nil
}

// Add records words against the current window and returns the alert steps
// newly crossed by this addition, in ascending order.
func (q *QuotaTracker) Add(words int) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return nil, err
	}

	key := q.windowKey()
	alertKey := key + "_alertedSteps"

	var used int
	if raw, ok := file[key]; ok {
		_ = json.Unmarshal(raw, &used)
	}
	var alerted []int
	if raw, ok := file[alertKey]; ok {
		_ = json.Unmarshal(raw, &alerted)
	}

	used += words

	alertedSet := map[int]bool{}
	for _, s := range alerted {
		alertedSet[s] = true
	}

	var crossed []int
	if q.dailyQuota > 0 {
		pct := used * 100 / q.dailyQuota
		for _, step := range quotaAlertSteps {
			if pct >= step && !alertedSet[step] {
				crossed = append(crossed, step)
				alerted = append(alerted, step)
			}
		}
	}

	// Rotate: keep only the current window's entries.
	next := quotaFile{}
	usedRaw, _ := json.Marshal(used)
	alertedRaw, _ := json.Marshal(alerted)
	next[key] = usedRaw
	next[alertKey] = alertedRaw

	if err := q.save(next); err != nil {
		return nil, err
	}
	return crossed, nil
}

// Used returns the word count recorded in the current window.
func (q *QuotaTracker) Used() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return 0, err
	}
	var used int
	if raw, ok := file[q.windowKey()]; ok {
		_ = json.Unmarshal(raw, &used)
	}
	return used, nil
}
