// Package queue runs submitted work with bounded concurrency, FIFO order,
// and optional mirroring into the persistent journal for crash recovery.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/journal"
)

// StaleTimeout is how long a journal row may sit in processing before boot
// recovery reverts it to pending.
const StaleTimeout = 30 * time.Minute

// Meta is the slice of the task offer kept for diagnostics and retry.
type Meta struct {
	OrderID      string `json:"orderId"`
	WorkflowName string `json:"workflowName"`
	AmountWords  int    `json:"amountWords"`
	URL          string `json:"url"`
}

// Work is one unit of queued work.
type Work func() (interface{}, error)

// Callbacks receive task outcomes. They run after the in-flight slot is
// freed, so a callback may submit new work without deadlocking the
// concurrency counter.
type Callbacks struct {
	OnSuccess func(result interface{})
	OnError   func(err error)
	OnIdle    func()
}

type item struct {
	journalID int64 // 0 when the queue is not persistent
	meta      Meta
	work      Work
}

// Queue is a bounded-concurrency FIFO executor.
type Queue struct {
	concurrency int
	callbacks   Callbacks
	journal     *journal.Journal // nil disables persistence
	logger      *zap.SugaredLogger

	mu           sync.Mutex
	pending      []item
	inFlight     int
	closed       bool
	idleNotified bool
}

// New creates a queue. If j is non-nil every submission is journaled, and
// rows stuck in processing from a previous run are reverted to pending now;
// the caller is expected to resubmit them (the journal holds metadata, not
// closures).
func New(concurrency int, callbacks Callbacks, j *journal.Journal, logger *zap.SugaredLogger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	q := &Queue{
		concurrency: concurrency,
		callbacks:   callbacks,
		journal:     j,
		logger:      logger,
	}
	if j != nil {
		if n, err := j.RecoverStale(StaleTimeout); err != nil {
			logger.Errorw("journal stale recovery failed", "error", err)
		} else if n > 0 {
			logger.Infow("reverted stale journal tasks to pending", "count", n)
		}
	}
	return q
}

// Submit appends work to the queue. With persistence enabled the journal row
// is written before the work becomes runnable.
func (q *Queue) Submit(work Work, meta Meta) error {
	var journalID int64
	if q.journal != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		id, err := q.journal.Enqueue(string(data), 5)
		if err != nil {
			return err
		}
		journalID = id
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return entity.ErrQueueClosed
	}
	q.pending = append(q.pending, item{journalID: journalID, meta: meta, work: work})
	q.idleNotified = false
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// dispatch starts pending work while in-flight capacity remains.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.closed || q.inFlight >= q.concurrency || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		q.mu.Unlock()

		go q.run(it)
	}
}

func (q *Queue) run(it item) {
	if it.journalID != 0 {
		if err := q.journal.MarkProcessing(it.journalID); err != nil {
			q.logger.Warnw("journal mark processing failed", "journalId", it.journalID, "error", err)
		}
	}

	result, err := q.safeWork(it)

	// Journal before user callbacks on both branches.
	if it.journalID != 0 {
		if err != nil {
			if jerr := q.journal.MarkFailed(it.journalID, err.Error()); jerr != nil {
				q.logger.Warnw("journal mark failed failed", "journalId", it.journalID, "error", jerr)
			}
		} else {
			if jerr := q.journal.MarkCompleted(it.journalID); jerr != nil {
				q.logger.Warnw("journal mark completed failed", "journalId", it.journalID, "error", jerr)
			}
		}
	}

	// Free the slot before callbacks so nested submissions cannot deadlock.
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	if err != nil {
		if q.callbacks.OnError != nil {
			q.callbacks.OnError(err)
		}
	} else if q.callbacks.OnSuccess != nil {
		q.callbacks.OnSuccess(result)
	}

	q.dispatch()
	q.maybeIdle()
}

// safeWork runs the work, converting a panic into an error.
func (q *Queue) safeWork(it item) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("queued work panicked", "orderId", it.meta.OrderID, "panic", r)
			err = &entity.BrowserAutomationError{Step: "panic", Context: it.meta.OrderID}
		}
	}()
	return it.work()
}

// maybeIdle fires OnIdle exactly once per transition to the empty state.
func (q *Queue) maybeIdle() {
	q.mu.Lock()
	idle := q.inFlight == 0 && len(q.pending) == 0 && !q.idleNotified
	if idle {
		q.idleNotified = true
	}
	q.mu.Unlock()

	if idle && q.callbacks.OnIdle != nil {
		q.callbacks.OnIdle()
	}
}

// Len returns the pending and in-flight counts.
func (q *Queue) Len() (pending, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.inFlight
}

// Close rejects further submissions. In-flight work finishes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}

// Drain blocks until the queue is empty or the timeout elapses.
func (q *Queue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		pending, inFlight := q.Len()
		if pending == 0 && inFlight == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
