package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/journal"
	"github.com/wordflow/autopilot/internal/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestQueue_RunsSubmittedWork(t *testing.T) {
	var got atomic.Value
	q := New(1, Callbacks{
		OnSuccess: func(r interface{}) { got.Store(r) },
	}, nil, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { return "done", nil }, Meta{OrderID: "a"}))

	waitFor(t, func() bool { return got.Load() != nil })
	assert.Equal(t, "done", got.Load())
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	var cur, max int64
	release := make(chan struct{})

	q := New(2, Callbacks{}, nil, logger.Nop())
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Submit(func() (interface{}, error) {
			n := atomic.AddInt64(&cur, 1)
			for {
				old := atomic.LoadInt64(&max)
				if n <= old || atomic.CompareAndSwapInt64(&max, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt64(&cur, -1)
			return nil, nil
		}, Meta{OrderID: fmt.Sprintf("t-%d", i)}))
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&cur) == 2 })
	close(release)
	waitFor(t, func() bool {
		p, f := q.Len()
		return p == 0 && f == 0
	})
	assert.Equal(t, int64(2), atomic.LoadInt64(&max))
}

func TestQueue_ErrorsGoToOnError(t *testing.T) {
	var got atomic.Value
	q := New(1, Callbacks{
		OnError: func(err error) { got.Store(err) },
	}, nil, logger.Nop())

	boom := errors.New("boom")
	require.NoError(t, q.Submit(func() (interface{}, error) { return nil, boom }, Meta{}))

	waitFor(t, func() bool { return got.Load() != nil })
	assert.Equal(t, boom, got.Load())
}

func TestQueue_IdleFiresOncePerTransition(t *testing.T) {
	var idles int64
	var wg sync.WaitGroup
	wg.Add(2)

	q := New(1, Callbacks{
		OnSuccess: func(interface{}) { wg.Done() },
		OnIdle:    func() { atomic.AddInt64(&idles, 1) },
	}, nil, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { return nil, nil }, Meta{}))
	waitFor(t, func() bool { return atomic.LoadInt64(&idles) == 1 })

	require.NoError(t, q.Submit(func() (interface{}, error) { return nil, nil }, Meta{}))
	waitFor(t, func() bool { return atomic.LoadInt64(&idles) == 2 })
	wg.Wait()
}

func TestQueue_CallbackMaySubmitWithoutDeadlock(t *testing.T) {
	var second atomic.Bool
	var q *Queue
	q = New(1, Callbacks{
		OnSuccess: func(r interface{}) {
			if r == "first" {
				_ = q.Submit(func() (interface{}, error) { return "second", nil }, Meta{})
			} else {
				second.Store(true)
			}
		},
	}, nil, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { return "first", nil }, Meta{}))
	waitFor(t, second.Load)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	var got atomic.Value
	q := New(1, Callbacks{
		OnError: func(err error) { got.Store(err) },
	}, nil, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { panic("boom") }, Meta{OrderID: "p"}))
	waitFor(t, func() bool { return got.Load() != nil })
}

func TestQueue_ClosedRejectsSubmit(t *testing.T) {
	q := New(1, Callbacks{}, nil, logger.Nop())
	q.Close()
	err := q.Submit(func() (interface{}, error) { return nil, nil }, Meta{})
	assert.ErrorIs(t, err, entity.ErrQueueClosed)
}

func TestQueue_JournalLifecycle(t *testing.T) {
	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logger.Nop())
	require.NoError(t, err)
	defer jr.Close()

	done := make(chan struct{})
	q := New(1, Callbacks{
		OnSuccess: func(interface{}) { close(done) },
	}, jr, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { return nil, nil }, Meta{OrderID: "ok"}))
	<-done

	waitFor(t, func() bool {
		summary, err := jr.StatusSummary()
		return err == nil && summary[entity.JournalCompleted] == 1
	})
}

func TestQueue_JournalRecordsFailure(t *testing.T) {
	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logger.Nop())
	require.NoError(t, err)
	defer jr.Close()

	done := make(chan struct{})
	q := New(1, Callbacks{
		OnError: func(error) { close(done) },
	}, jr, logger.Nop())

	require.NoError(t, q.Submit(func() (interface{}, error) { return nil, errors.New("browser blew up") }, Meta{OrderID: "bad"}))
	<-done

	waitFor(t, func() bool {
		rows, err := jr.GetByStatus(entity.JournalFailed)
		return err == nil && len(rows) == 1 && rows[0].Error == "browser blew up" && rows[0].RetryCount == 1
	})
}
