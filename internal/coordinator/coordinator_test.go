package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/acceptance"
	"github.com/wordflow/autopilot/internal/allocator"
	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/capacity"
	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/logger"
	"github.com/wordflow/autopilot/internal/metrics"
	"github.com/wordflow/autopilot/internal/queue"
	"github.com/wordflow/autopilot/internal/state"
	"github.com/wordflow/autopilot/internal/verifier"
)

type weekdayCalendar struct{}

func (weekdayCalendar) IsBusinessDay(d entity.Date) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

type fakeSession struct{ slot int }

func (f *fakeSession) Slot() int                       { return f.slot }
func (f *fakeSession) Connected() bool                 { return true }
func (f *fakeSession) Close(ctx context.Context) error { return nil }
func (f *fakeSession) Kill()                           {}
func (f *fakeSession) NavigateHTML(ctx context.Context, url string) (string, error) {
	return "<html></html>", nil
}

type recordedUpdate struct {
	orderID  string
	status   entity.ExternalStatus
	category string
}

type stubRecorder struct {
	mu      sync.Mutex
	updates []recordedUpdate
}

func (r *stubRecorder) UpdateStatus(ctx context.Context, orderID string, status entity.ExternalStatus, category string, receivedDate *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, recordedUpdate{orderID, status, category})
	return nil
}

func (r *stubRecorder) ReadStatusMap(ctx context.Context) (map[string]entity.ExternalStatus, error) {
	return map[string]entity.ExternalStatus{}, nil
}

func (r *stubRecorder) last() (recordedUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return recordedUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

type stubNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *stubNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

type fixture struct {
	coord     *Coordinator
	state     *state.Manager
	store     *capacity.Store
	recorder  *stubRecorder
	notifier  *stubNotifier
	collector *metrics.Collector
	verifier  *verifier.Verifier
	pool      *browser.Pool
}

var wednesdayAfternoon = time.Date(2026, 1, 28, 14, 0, 0, 0, time.Local)

// newFixture wires a coordinator against real queues, a real pool with fake
// sessions, and stub externals. script is what the browser workflow does.
func newFixture(t *testing.T, script Script) *fixture {
	t.Helper()

	log := logger.Nop()
	mgr := state.NewManager(log)
	store, err := capacity.NewStore(t.TempDir(), 12000, log)
	require.NoError(t, err)

	clock := func() time.Time { return wednesdayAfternoon }
	alloc := allocator.New(weekdayCalendar{}, store, 2, clock, time.Local)
	engine := acceptance.New(alloc, acceptance.DefaultPolicy, clock, time.Local)

	launcher := func(ctx context.Context, slot int, profileDir string) (browser.Session, error) {
		return &fakeSession{slot: slot}, nil
	}
	pool := browser.NewPool(2, t.TempDir(), launcher, log)
	require.NoError(t, pool.Init(context.Background()))
	t.Cleanup(pool.CloseAll)

	recorder := &stubRecorder{}
	notifier := &stubNotifier{}
	collector := metrics.NewCollector(nil)

	ver := verifier.New(pool, store, notifier, func(string) (string, error) { return "accepted", nil }, log)
	t.Cleanup(ver.Stop)

	opts := Options{
		Engine:           engine,
		State:            mgr,
		Capacity:         store,
		Pool:             pool,
		Recorder:         recorder,
		Notifier:         notifier,
		Collector:        collector,
		Verifier:         ver,
		Script:           script,
		TaskTimeout:      5 * time.Second,
		AcquireTimeout:   2 * time.Second,
		VerifyAfter:      time.Millisecond,
		FailureThreshold: 3,
		Now:              time.Now,
		Logger:           log,
	}

	var coord *Coordinator
	mainQueue := queue.New(2, queue.Callbacks{
		OnSuccess: func(r interface{}) { coord.onSuccess(r) },
		OnError:   func(e error) { coord.onError(e) },
	}, nil, log)
	metaQueue := queue.New(2, queue.Callbacks{}, nil, log)
	coord = New(opts, mainQueue, metaQueue)

	return &fixture{
		coord:     coord,
		state:     mgr,
		store:     store,
		recorder:  recorder,
		notifier:  notifier,
		collector: collector,
		verifier:  ver,
		pool:      pool,
	}
}

func testOffer(orderID string, words int, deadline string) entity.TaskOffer {
	return entity.TaskOffer{
		OrderID:        orderID,
		WorkflowName:   "translate",
		URL:            "https://platform.example/linguist/orders/" + orderID,
		AmountWords:    words,
		PlannedEndDate: deadline,
		Status:         entity.OfferActive,
		ReceivedDate:   wednesdayAfternoon,
	}
}

func TestHandleOffer_AcceptedFlowAppliesCapacity(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
		return "confirmed", nil
	})

	f.coord.HandleOffer(testOffer("ord-1", 6000, "2026-01-30 18:00"))

	require.Eventually(t, func() bool {
		u, ok := f.recorder.last()
		return ok && u.status == entity.StatusAccepted
	}, 3*time.Second, 10*time.Millisecond)

	capMap, _, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 6000, sumValues(capMap))

	// The task is no longer active once the workflow confirmed.
	assert.Empty(t, f.state.ActiveTasks())

	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.TasksReceived)
	assert.Equal(t, int64(1), snap.TasksAccepted)
	assert.Equal(t, int64(1), snap.TasksCompleted)
}

func TestHandleOffer_RejectionGoesToSheetAsDeclined(t *testing.T) {
	f := newFixture(t, nil)

	// Urgent out-of-hours: deadline hour 20.
	f.coord.HandleOffer(testOffer("ord-2", 3000, "2026-01-28 20:00"))

	u, ok := f.recorder.last()
	require.True(t, ok)
	assert.Equal(t, entity.StatusDeclined, u.status)
	assert.Equal(t, string(entity.RejectUrgentOutOfHours), u.category)

	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.TasksRejected)
	assert.Equal(t, int64(1), snap.RejectionsByCode[string(entity.RejectUrgentOutOfHours)])
	assert.Empty(t, f.state.ActiveTasks())
}

func TestHandleOffer_DuplicatesDropped(t *testing.T) {
	var runs int
	var mu sync.Mutex
	f := newFixture(t, func(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, nil
	})

	offer := testOffer("ord-3", 1000, "2026-01-30 18:00")
	f.coord.HandleOffer(offer)
	f.coord.HandleOffer(offer)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
}

func TestHandleOffer_OnHoldReleasesCapacity(t *testing.T) {
	f := newFixture(t, nil)

	// Simulate an order that was accepted earlier and is now put on hold.
	plan := entity.AllocationPlan{{Date: entity.Date{Year: 2026, Month: 1, Day: 29}, Amount: 4000}}
	require.NoError(t, f.store.Apply(plan))
	require.NoError(t, f.state.AddActiveTask(entity.ActiveTask{
		OrderID:        "ord-4",
		AmountWords:    4000,
		AllocationPlan: plan,
	}))

	offer := testOffer("ord-4", 4000, "2026-01-30 18:00")
	offer.Status = entity.OfferOnHold
	f.coord.HandleOffer(offer)

	require.Eventually(t, func() bool {
		u, ok := f.recorder.last()
		return ok && u.status == entity.StatusOnHold
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		capMap, _, err := f.store.Snapshot()
		return err == nil && sumValues(capMap) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.state.ActiveTasks())
}

func TestOnError_ClassifiesMissed(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
		return nil, &entity.BrowserAutomationError{Step: "open-order", Context: url, Err: errors.New("404")}
	})

	f.coord.HandleOffer(testOffer("ord-5", 1000, "2026-01-30 18:00"))

	require.Eventually(t, func() bool {
		u, ok := f.recorder.last()
		return ok && u.status == entity.StatusMissed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.state.ActiveTasks())
	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.TasksFailed)

	// Failed tasks must not consume capacity.
	capMap, _, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0, sumValues(capMap))
}

func TestOnError_LoginExpiredTriggersRestartHook(t *testing.T) {
	expired := make(chan struct{}, 1)
	f := newFixture(t, func(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
		return nil, entity.ErrLoginExpired
	})
	f.coord.opts.OnLoginExpired = func() { expired <- struct{}{} }

	f.coord.HandleOffer(testOffer("ord-6", 1000, "2026-01-30 18:00"))

	select {
	case <-expired:
	case <-time.After(3 * time.Second):
		t.Fatal("login-expired hook never fired")
	}
}

func TestConsecutiveFailuresNotifyAtThreshold(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, sess browser.Session, url string) (interface{}, error) {
		return nil, errors.New("flaky")
	})

	for i, id := range []string{"f-1", "f-2", "f-3"} {
		f.coord.HandleOffer(testOffer(id, 100*(i+1), "2026-01-30 18:00"))
	}

	require.Eventually(t, func() bool { return f.notifier.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.notifier.count(), "tracker resets after alerting")
}

func sumValues(m entity.CapacityMap) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
