// Package statussync periodically reconciles the local active-task list
// against the external system-of-record.
package statussync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/capacity"
	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/notify"
	"github.com/wordflow/autopilot/internal/sheet"
	"github.com/wordflow/autopilot/internal/state"
)

// Result is the stored outcome of the last sync tick.
type Result struct {
	Completed   int       `json:"completed"`
	OnHold      int       `json:"onHold"`
	StillActive int       `json:"stillActive"`
	Error       string    `json:"error,omitempty"`
	SyncedAt    time.Time `json:"syncedAt"`
}

// Events receives named sync events with their counts. All callbacks are
// optional.
type Events struct {
	OnCompleted func(count int)
	OnHold      func(count int)
}

// Syncer drives the periodic reconciliation. Only one sync runs at a time; a
// tick that lands while a sync is still running is skipped.
type Syncer struct {
	stateMgr *state.Manager
	store    *capacity.Store
	recorder sheet.Recorder
	notifier notify.Notifier
	events   Events
	interval time.Duration
	now      func() time.Time
	loc      *time.Location
	logger   *zap.SugaredLogger

	running atomic.Bool

	mu   sync.Mutex
	last Result
}

// New builds a syncer.
func New(stateMgr *state.Manager, store *capacity.Store, recorder sheet.Recorder, notifier notify.Notifier, events Events, interval time.Duration, now func() time.Time, loc *time.Location, logger *zap.SugaredLogger) *Syncer {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Syncer{
		stateMgr: stateMgr,
		store:    store,
		recorder: recorder,
		notifier: notifier,
		events:   events,
		interval: interval,
		now:      now,
		loc:      loc,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// Last returns the stored result of the most recent sync.
func (s *Syncer) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// SyncOnce performs a single reconciliation pass. It returns false when a
// sync was already in flight and the pass was skipped.
func (s *Syncer) SyncOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debugw("status sync tick skipped, previous sync still running")
		return false
	}
	defer s.running.Store(false)

	result := Result{SyncedAt: s.now()}
	defer func() {
		s.mu.Lock()
		s.last = result
		s.mu.Unlock()
	}()

	tasks := s.stateMgr.ActiveTasks()
	if len(tasks) == 0 {
		return true
	}

	statusMap, err := s.recorder.ReadStatusMap(ctx)
	if err != nil {
		result.Error = err.Error()
		s.logger.Errorw("status sync could not read system-of-record", "error", err)
		return true
	}

	var still []entity.ActiveTask
	for _, t := range tasks {
		switch classify(statusMap[t.OrderID]) {
		case taskCompleted:
			result.Completed++
		case taskOnHold:
			result.OnHold++
		default:
			still = append(still, t)
		}
	}
	result.StillActive = len(still)

	if result.Completed > 0 || result.OnHold > 0 {
		s.stateMgr.ReplaceActiveTasks(still)

		today := entity.DateOf(s.now().In(s.loc))
		diff, err := s.store.SyncWithActiveTasks(still, today)
		if err != nil {
			result.Error = err.Error()
			s.logger.Errorw("capacity sync failed", "error", err)
		} else {
			capMap, ovMap, err := s.store.Snapshot()
			if err == nil {
				if err := s.stateMgr.SetCapacity(capMap, ovMap); err != nil {
					s.logger.Warnw("capacity mirror update failed", "error", err)
				}
			}
			s.logger.Infow("status sync reconciled",
				"completed", result.Completed,
				"onHold", result.OnHold,
				"stillActive", result.StillActive,
				"changedDates", len(diff.ChangedDates),
			)
		}
	}

	if result.Completed > 0 && s.events.OnCompleted != nil {
		s.events.OnCompleted(result.Completed)
	}
	if result.OnHold > 0 && s.events.OnHold != nil {
		s.events.OnHold(result.OnHold)
	}

	// Operators only hear about completions; on-hold churn is routine.
	if result.Completed > 0 {
		nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		text := fmt.Sprintf("%d task(s) completed on the platform, %d still active", result.Completed, result.StillActive)
		if err := s.notifier.Notify(nctx, text); err != nil {
			s.logger.Warnw("operator notification failed", "error", err)
		}
		cancel()
	}
	return true
}

type taskDisposition int

const (
	taskStillActive taskDisposition = iota
	taskCompleted
	taskOnHold
)

// classify maps an external status to a disposition. An order the
// system-of-record does not know stays active.
func classify(status entity.ExternalStatus) taskDisposition {
	switch strings.ToLower(strings.TrimSpace(string(status))) {
	case "completed", "delivered", "closed":
		return taskCompleted
	case "on hold", "on_hold":
		return taskOnHold
	default:
		return taskStillActive
	}
}
