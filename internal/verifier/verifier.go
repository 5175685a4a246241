// Package verifier re-checks accepted orders on the platform after a delay
// and rolls capacity back when an acceptance silently failed.
//
// A single worker processes the queue so the platform never sees a burst of
// verification traffic.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/notify"
)

// MaxResults bounds the verification result ring.
const MaxResults = 50

const navigateTimeout = 45 * time.Second

// acceptedStatuses are the platform statuses that confirm the acceptance
// actually registered.
var acceptedStatuses = []string{"accepted", "in progress"}

// CapacityReleaser is the slice of the capacity store the verifier needs.
type CapacityReleaser interface {
	Release(plan entity.AllocationPlan) error
}

// SessionPool is the slice of the browser pool the verifier needs.
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (browser.Session, error)
	Release(sess browser.Session)
}

// Verifier owns the verification queue and its single worker.
type Verifier struct {
	pool       SessionPool
	capacity   CapacityReleaser
	notifier   notify.Notifier
	readStatus func(html string) (string, error)
	now        func() time.Time
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	pending []entity.VerificationItem
	results []entity.VerificationResult
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New builds a verifier. readStatus extracts the platform's status indicator
// from a rendered page; nil selects the default parser.
func New(pool SessionPool, capacity CapacityReleaser, notifier notify.Notifier, readStatus func(string) (string, error), logger *zap.SugaredLogger) *Verifier {
	if readStatus == nil {
		readStatus = ReadStatusFromHTML
	}
	return &Verifier{
		pool:       pool,
		capacity:   capacity,
		notifier:   notifier,
		readStatus: readStatus,
		now:        time.Now,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SetClock overrides the clock, for tests.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Start launches the worker.
func (v *Verifier) Start() {
	go v.loop()
}

// Schedule appends an item to the verification queue.
func (v *Verifier) Schedule(item entity.VerificationItem) error {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return entity.ErrVerifierStopped
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = v.now()
	}
	v.pending = append(v.pending, item)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop clears the pending queue and prevents further iterations. A check
// already reading the platform runs to completion; an item still waiting out
// its verification delay is dropped.
func (v *Verifier) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	dropped := len(v.pending)
	v.pending = nil
	v.mu.Unlock()

	close(v.done)
	if dropped > 0 {
		v.logger.Infow("verifier stopped, pending items dropped", "dropped", dropped)
	}
}

// Results returns a copy of the result ring, newest last.
func (v *Verifier) Results() []entity.VerificationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]entity.VerificationResult, len(v.results))
	copy(out, v.results)
	return out
}

func (v *Verifier) loop() {
	for {
		item, ok := v.next()
		if !ok {
			select {
			case <-v.wake:
				continue
			case <-v.done:
				return
			}
		}

		// Wait out the verification delay, but abandon the wait on stop.
		due := item.ScheduledAt.Add(item.VerifyAfter)
		if wait := due.Sub(v.now()); wait > 0 {
			select {
			case <-time.After(wait):
			case <-v.done:
				return
			}
		}

		v.verify(item)
	}
}

// next pops the head of the queue.
func (v *Verifier) next() (entity.VerificationItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped || len(v.pending) == 0 {
		return entity.VerificationItem{}, false
	}
	item := v.pending[0]
	v.pending = v.pending[1:]
	return item, true
}

// verify performs one check: read the order's status off the platform and
// roll back capacity when the acceptance did not stick.
func (v *Verifier) verify(item entity.VerificationItem) {
	result := entity.VerificationResult{
		OrderID:    item.OrderID,
		URL:        item.URL,
		VerifiedAt: v.now(),
	}

	status, err := v.readOrderStatus(item.URL)
	if err != nil {
		result.Error = err.Error()
		v.logger.Errorw("verification failed to read status", "orderId", item.OrderID, "error", err)
	} else {
		result.ActualStatus = status
		for _, ok := range acceptedStatuses {
			if strings.EqualFold(strings.TrimSpace(status), ok) {
				result.Verified = true
				break
			}
		}
	}

	if !result.Verified {
		v.logger.Warnw("acceptance not confirmed, rolling back capacity",
			"orderId", item.OrderID, "status", status, "words", item.AmountWords)
		if err := v.capacity.Release(item.AllocationPlan); err != nil {
			v.logger.Errorw("capacity rollback failed", "orderId", item.OrderID, "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		text := fmt.Sprintf("Verification failed for order %s: platform status %q, released %d words",
			item.OrderID, status, item.AmountWords)
		if err := v.notifier.Notify(ctx, text); err != nil {
			v.logger.Warnw("operator notification failed", "error", err)
		}
		cancel()
	}

	v.record(result)
}

// readOrderStatus borrows a session, loads the order page, and extracts the
// status indicator. The session is always released.
func (v *Verifier) readOrderStatus(url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), navigateTimeout)
	defer cancel()

	sess, err := v.pool.Acquire(ctx, navigateTimeout)
	if err != nil {
		return "", err
	}
	defer v.pool.Release(sess)

	html, err := sess.NavigateHTML(ctx, url)
	if err != nil {
		return "", err
	}
	return v.readStatus(html)
}

// record appends to the bounded result ring.
func (v *Verifier) record(r entity.VerificationResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = append(v.results, r)
	if len(v.results) > MaxResults {
		v.results = v.results[len(v.results)-MaxResults:]
	}
}
