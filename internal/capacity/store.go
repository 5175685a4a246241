// Package capacity persists per-date used-word counts and per-date cap
// overrides.
//
// Two JSON files are shared with other instances on the same machine, so
// every mutation is a full read-modify-write under an advisory file lock:
// reload the current on-disk state, apply the delta, write the new state.
package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

const ioRetries = 3

// Store owns the persisted form of the capacity and override maps.
type Store struct {
	capacityPath string
	overridePath string
	defaultCap   int
	logger       *zap.SugaredLogger

	lock *flock.Flock
	mu   sync.Mutex
}

// SyncDiff summarizes what SyncWithActiveTasks changed.
type SyncDiff struct {
	ChangedDates     []entity.Date
	RemovedOverrides []entity.Date
	TotalWords       int
}

// NewStore creates a store rooted at dir with the given default daily cap.
func NewStore(dir string, defaultCap int, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capacity dir: %w", err)
	}
	return &Store{
		capacityPath: filepath.Join(dir, "capacity.json"),
		overridePath: filepath.Join(dir, "overrides.json"),
		defaultCap:   defaultCap,
		logger:       logger,
		lock:         flock.New(filepath.Join(dir, "capacity.lock")),
	}, nil
}

// DefaultCap returns the default per-day word cap.
func (s *Store) DefaultCap() int { return s.defaultCap }

// withLock serializes a read-modify-write against concurrent processes.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("capacity lock: %w", err)
	}
	defer s.lock.Unlock()
	return fn()
}

func retryIO(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), ioRetries-1)
	return backoff.Retry(op, policy)
}

func readJSONMap(path string) (map[string]int, error) {
	var out map[string]int
	err := retryIO(func() error {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			out = map[string]int{}
			return nil
		}
		if err != nil {
			return err
		}
		m := map[string]int{}
		if err := json.Unmarshal(raw, &m); err != nil {
			// A corrupt file is not transient; start fresh rather than retry.
			out = map[string]int{}
			return nil
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, &entity.FileIOError{Path: path, Op: "read", Err: err}
	}
	return out, nil
}

func writeJSONMap(path string, m map[string]int) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	err = retryIO(func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
	if err != nil {
		return &entity.FileIOError{Path: path, Op: "write", Err: err}
	}
	return nil
}

func toDateMap(m map[string]int) entity.CapacityMap {
	out := make(entity.CapacityMap, len(m))
	for k, v := range m {
		if d, err := entity.ParseDate(k); err == nil {
			out[d] = v
		}
	}
	return out
}

// Snapshot returns copies of the current capacity and override maps.
func (s *Store) Snapshot() (entity.CapacityMap, entity.OverrideMap, error) {
	var capMap entity.CapacityMap
	var ovMap entity.OverrideMap
	err := s.withLock(func() error {
		raw, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}
		capMap = toDateMap(raw)
		rawOv, err := readJSONMap(s.overridePath)
		if err != nil {
			return err
		}
		ovMap = entity.OverrideMap(toDateMap(rawOv))
		return nil
	})
	return capMap, ovMap, err
}

// CapOf returns the cap for a date: the override if present, else the
// default cap.
func (s *Store) CapOf(date entity.Date) (int, error) {
	var limit int
	err := s.withLock(func() error {
		raw, err := readJSONMap(s.overridePath)
		if err != nil {
			return err
		}
		if v, ok := raw[date.String()]; ok {
			limit = v
		} else {
			limit = s.defaultCap
		}
		return nil
	})
	return limit, err
}

// GetRemaining returns max(0, capOf(date) - used(date)).
func (s *Store) GetRemaining(date entity.Date) (int, error) {
	var remaining int
	err := s.withLock(func() error {
		used, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}
		ov, err := readJSONMap(s.overridePath)
		if err != nil {
			return err
		}
		limit := s.defaultCap
		if v, ok := ov[date.String()]; ok {
			limit = v
		}
		remaining = limit - used[date.String()]
		if remaining < 0 {
			remaining = 0
		}
		return nil
	})
	return remaining, err
}

// Apply adds every plan entry's amount to its date's used count.
func (s *Store) Apply(plan entity.AllocationPlan) error {
	return s.withLock(func() error {
		m, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}
		for _, e := range plan {
			m[e.Date.String()] += e.Amount
		}
		return writeJSONMap(s.capacityPath, m)
	})
}

// Release subtracts every plan entry's amount from its date's used count,
// clamped at zero. Dates that reach zero are pruned.
func (s *Store) Release(plan entity.AllocationPlan) error {
	return s.withLock(func() error {
		m, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}
		for _, e := range plan {
			key := e.Date.String()
			m[key] -= e.Amount
			if m[key] <= 0 {
				delete(m, key)
			}
		}
		return writeJSONMap(s.capacityPath, m)
	})
}

// Adjust mutates one date's used count by a signed delta, clamped at zero.
func (s *Store) Adjust(date entity.Date, delta int) error {
	return s.withLock(func() error {
		m, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}
		key := date.String()
		m[key] += delta
		if m[key] <= 0 {
			delete(m, key)
		}
		return writeJSONMap(s.capacityPath, m)
	})
}

// Reset empties the capacity map.
func (s *Store) Reset() error {
	return s.withLock(func() error {
		return writeJSONMap(s.capacityPath, map[string]int{})
	})
}

// SetOverride records a per-date cap override.
func (s *Store) SetOverride(date entity.Date, maxWords int) error {
	return s.withLock(func() error {
		m, err := readJSONMap(s.overridePath)
		if err != nil {
			return err
		}
		m[date.String()] = maxWords
		return writeJSONMap(s.overridePath, m)
	})
}

// SyncWithActiveTasks recomputes the capacity map from scratch as the sum of
// the given tasks' allocation plans, and drops override entries for dates
// before today. It returns a diff of what changed.
func (s *Store) SyncWithActiveTasks(tasks []entity.ActiveTask, today entity.Date) (SyncDiff, error) {
	var diff SyncDiff
	err := s.withLock(func() error {
		prev, err := readJSONMap(s.capacityPath)
		if err != nil {
			return err
		}

		next := map[string]int{}
		for _, t := range tasks {
			for _, e := range t.AllocationPlan {
				next[e.Date.String()] += e.Amount
				diff.TotalWords += e.Amount
			}
		}

		seen := map[string]bool{}
		for k, v := range next {
			seen[k] = true
			if prev[k] != v {
				if d, err := entity.ParseDate(k); err == nil {
					diff.ChangedDates = append(diff.ChangedDates, d)
				}
			}
		}
		for k := range prev {
			if !seen[k] {
				if d, err := entity.ParseDate(k); err == nil {
					diff.ChangedDates = append(diff.ChangedDates, d)
				}
			}
		}

		if err := writeJSONMap(s.capacityPath, next); err != nil {
			return err
		}

		ov, err := readJSONMap(s.overridePath)
		if err != nil {
			return err
		}
		changed := false
		for k := range ov {
			d, err := entity.ParseDate(k)
			if err != nil || d.Before(today) {
				delete(ov, k)
				changed = true
				if err == nil {
					diff.RemovedOverrides = append(diff.RemovedOverrides, d)
				}
			}
		}
		if changed {
			return writeJSONMap(s.overridePath, ov)
		}
		return nil
	})
	return diff, err
}
