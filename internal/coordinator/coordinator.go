// Package coordinator glues the pipeline together: offers arrive from the
// mail listener, pass through the acceptance engine, and accepted work runs
// the browser workflow through the queue and pool, with capacity, the
// system-of-record, metrics, and verification updated along the way.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/acceptance"
	"github.com/wordflow/autopilot/internal/browser"
	"github.com/wordflow/autopilot/internal/capacity"
	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/metrics"
	"github.com/wordflow/autopilot/internal/notify"
	"github.com/wordflow/autopilot/internal/queue"
	"github.com/wordflow/autopilot/internal/sheet"
	"github.com/wordflow/autopilot/internal/state"
	"github.com/wordflow/autopilot/internal/verifier"
)

// Script is the opaque browser-automation workflow that confirms acceptance
// on the platform.
type Script func(ctx context.Context, sess browser.Session, url string) (interface{}, error)

// TaskResult is the queue work's return value: the script result annotated
// with offer fields and acceptance context.
type TaskResult struct {
	OrderID           string
	WorkflowName      string
	AmountWords       int
	URL               string
	AllocationPlan    entity.AllocationPlan
	EffectiveDeadline time.Time
	ProcessingStart   time.Time
	ScriptResult      interface{}
}

// orderError carries the order context alongside a task failure so the error
// callback can classify and clean up.
type orderError struct {
	orderID string
	err     error
}

func (e *orderError) Error() string { return fmt.Sprintf("order %s: %v", e.orderID, e.err) }
func (e *orderError) Unwrap() error { return e.err }

// Options bundles the coordinator's collaborators.
type Options struct {
	Engine    *acceptance.Engine
	State     *state.Manager
	Capacity  *capacity.Store
	Quota     *capacity.QuotaTracker
	History   *capacity.History
	Pool      *browser.Pool
	Recorder  sheet.Recorder
	Notifier  notify.Notifier
	Collector *metrics.Collector
	Verifier  *verifier.Verifier
	Script    Script

	TaskTimeout      time.Duration
	AcquireTimeout   time.Duration
	VerifyAfter      time.Duration
	FailureThreshold int
	URLRewriteMode   string

	// OnLoginExpired is invoked when the platform session died; the
	// orchestrator terminates the process with exit code 12 so the
	// supervisor can restart it with fresh credentials.
	OnLoginExpired func()

	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Coordinator is the offer intake callback plus the queue callbacks.
type Coordinator struct {
	opts      Options
	mainQueue *queue.Queue
	metaQueue *queue.Queue

	mu       sync.Mutex
	seen     map[string]time.Time
	failures int
}

const seenRetention = 24 * time.Hour

// New builds a coordinator around the main and meta queues, which the caller
// constructs (with or without a journal) and passes in.
func New(opts Options, mainQueue, metaQueue *queue.Queue) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		opts:      opts,
		mainQueue: mainQueue,
		metaQueue: metaQueue,
		seen:      make(map[string]time.Time),
	}
	return c
}

// Callbacks returns the queue callbacks for the main queue. The queues are
// constructed before the coordinator, so wiring happens through here.
func (c *Coordinator) Callbacks() queue.Callbacks {
	return queue.Callbacks{
		OnSuccess: c.onSuccess,
		OnError:   c.onError,
		OnIdle: func() {
			c.opts.Logger.Debugw("task queue idle")
		},
	}
}

// HandleOffer is the email listener callback. Delivery is at-least-once;
// offers already handled are dropped by order id.
func (c *Coordinator) HandleOffer(offer entity.TaskOffer) {
	reqID := uuid.NewString()[:8]
	log := c.opts.Logger.With("reqId", reqID, "orderId", offer.OrderID, "workflow", offer.WorkflowName)
	c.opts.Collector.TaskReceived()

	if c.alreadySeen(offer.OrderID) {
		log.Debugw("duplicate offer dropped")
		return
	}

	if offer.Status == entity.OfferOnHold {
		log.Infow("offer arrived on hold")
		c.submitOnHold(offer)
		return
	}

	result, err := c.opts.Engine.Evaluate(offer)
	if err != nil {
		log.Errorw("acceptance evaluation failed", "error", err)
		c.forgetSeen(offer.OrderID)
		return
	}

	if !result.Code.Accepted() {
		log.Infow("offer rejected", "code", result.Code, "reason", result.Message)
		c.opts.Collector.TaskRejected(result.Code)
		// Every rejection maps to Declined on the sheet; metrics keep the code.
		c.updateRecord(offer.OrderID, entity.StatusDeclined, string(result.Code), &offer.ReceivedDate)
		return
	}

	c.accept(offer, result, log)
}

func (c *Coordinator) accept(offer entity.TaskOffer, result entity.AcceptanceResult, log *zap.SugaredLogger) {
	effective := result.RawDeadline
	if result.EffectiveDeadline != nil {
		effective = *result.EffectiveDeadline
	}

	task := entity.ActiveTask{
		OrderID:           offer.OrderID,
		WorkflowName:      offer.WorkflowName,
		AmountWords:       offer.AmountWords,
		EffectiveDeadline: effective,
		AllocationPlan:    result.AllocationPlan.Clone(),
		AddedAt:           c.opts.Now(),
	}
	if err := c.opts.State.AddActiveTask(task); err != nil {
		log.Errorw("failed to record active task", "error", err)
		return
	}
	c.opts.Collector.TaskAccepted()
	log.Infow("offer accepted", "code", result.Code, "words", offer.AmountWords, "days", len(result.AllocationPlan))

	url := RewriteURL(offer.URL, c.opts.URLRewriteMode)
	work := func() (interface{}, error) {
		start := c.opts.Now()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.TaskTimeout)
		defer cancel()

		sess, err := c.opts.Pool.Acquire(ctx, c.opts.AcquireTimeout)
		if err != nil {
			return nil, &orderError{orderID: offer.OrderID, err: err}
		}
		defer c.opts.Pool.Release(sess)

		scriptResult, err := c.opts.Script(ctx, sess, url)
		if err != nil {
			return nil, &orderError{orderID: offer.OrderID, err: err}
		}

		return &TaskResult{
			OrderID:           offer.OrderID,
			WorkflowName:      offer.WorkflowName,
			AmountWords:       offer.AmountWords,
			URL:               url,
			AllocationPlan:    result.AllocationPlan.Clone(),
			EffectiveDeadline: effective,
			ProcessingStart:   start,
			ScriptResult:      scriptResult,
		}, nil
	}

	meta := queue.Meta{
		OrderID:      offer.OrderID,
		WorkflowName: offer.WorkflowName,
		AmountWords:  offer.AmountWords,
		URL:          url,
	}
	if err := c.mainQueue.Submit(work, meta); err != nil {
		log.Errorw("queue submission failed", "error", err)
		c.opts.State.RemoveActiveTask(offer.OrderID)
	}
}

// submitOnHold queues the on-hold side effects on the low-concurrency meta
// queue: mark the sheet and release any capacity held for this order.
// Partial failures are logged, never fatal.
func (c *Coordinator) submitOnHold(offer entity.TaskOffer) {
	work := func() (interface{}, error) {
		c.updateRecord(offer.OrderID, entity.StatusOnHold, "offer", &offer.ReceivedDate)

		if task, ok := c.opts.State.ActiveTask(offer.OrderID); ok {
			if err := c.opts.Capacity.Release(task.AllocationPlan); err != nil {
				c.opts.Logger.Warnw("on-hold capacity release failed", "orderId", offer.OrderID, "error", err)
			}
			c.opts.State.RemoveActiveTask(offer.OrderID)
			c.refreshCapacityMirror()
		}
		return nil, nil
	}
	if err := c.metaQueue.Submit(work, queue.Meta{OrderID: offer.OrderID, WorkflowName: offer.WorkflowName}); err != nil {
		c.opts.Logger.Errorw("meta queue submission failed", "orderId", offer.OrderID, "error", err)
	}
}

// onSuccess applies capacity, records the outcome everywhere, and schedules
// verification.
func (c *Coordinator) onSuccess(raw interface{}) {
	res, ok := raw.(*TaskResult)
	if !ok {
		c.opts.Logger.Errorw("unexpected queue result type", "result", raw)
		return
	}
	log := c.opts.Logger.With("orderId", res.OrderID)
	elapsed := c.opts.Now().Sub(res.ProcessingStart)

	if err := c.opts.Capacity.Apply(res.AllocationPlan); err != nil {
		log.Errorw("capacity apply failed", "error", err)
	}
	c.refreshCapacityMirror()

	c.updateRecord(res.OrderID, entity.StatusAccepted, res.WorkflowName, nil)
	c.opts.Collector.TaskCompleted(elapsed)

	if c.opts.History != nil {
		first := entity.Date{}
		if len(res.AllocationPlan) > 0 {
			first = res.AllocationPlan[0].Date
		}
		if err := c.opts.History.Append(capacity.HistoryEntry{
			Date:             first,
			OrderID:          res.OrderID,
			AllocatedWords:   res.AmountWords,
			CompletionTimeMS: elapsed.Milliseconds(),
		}); err != nil {
			log.Warnw("capacity history append failed", "error", err)
		}
	}

	if c.opts.Quota != nil {
		steps, err := c.opts.Quota.Add(res.AmountWords)
		if err != nil {
			log.Warnw("quota tracking failed", "error", err)
		}
		for _, step := range steps {
			c.notifyOperators(fmt.Sprintf("Daily word quota reached %d%%", step))
		}
	}

	c.opts.State.RemoveActiveTask(res.OrderID)

	if err := c.opts.Verifier.Schedule(entity.VerificationItem{
		OrderID:        res.OrderID,
		URL:            res.URL,
		AllocationPlan: res.AllocationPlan.Clone(),
		AmountWords:    res.AmountWords,
		ScheduledAt:    c.opts.Now(),
		VerifyAfter:    c.opts.VerifyAfter,
	}); err != nil {
		log.Warnw("verification scheduling failed", "error", err)
	}

	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()

	log.Infow("task completed", "durationMs", elapsed.Milliseconds())
}

// onError classifies the failure, records a terminal status, and tracks
// consecutive failures.
func (c *Coordinator) onError(err error) {
	orderID := orderIDOf(err)
	log := c.opts.Logger.With("orderId", orderID)
	log.Errorw("task failed", "error", err)

	c.opts.Collector.TaskFailed()

	switch Classify(err) {
	case OutcomeLoginExpired:
		log.Errorw("platform login expired, requesting restart")
		if c.opts.OnLoginExpired != nil {
			c.opts.OnLoginExpired()
		}
		return
	case OutcomeOnHold:
		c.updateRecord(orderID, entity.StatusOnHold, "automation", nil)
	case OutcomeMissed:
		c.updateRecord(orderID, entity.StatusMissed, "automation", nil)
	default:
		c.updateRecord(orderID, entity.StatusFailed, "automation", nil)
	}

	if orderID != "" {
		c.opts.State.RemoveActiveTask(orderID)
	}

	c.mu.Lock()
	c.failures++
	hit := c.failures >= c.opts.FailureThreshold && c.opts.FailureThreshold > 0
	if hit {
		c.failures = 0
	}
	count := c.opts.FailureThreshold
	c.mu.Unlock()

	if hit {
		c.notifyOperators(fmt.Sprintf("%d consecutive task failures, last: %v", count, err))
	}
}

// updateRecord writes a terminal status to the system-of-record, logging
// rather than failing.
func (c *Coordinator) updateRecord(orderID string, status entity.ExternalStatus, category string, receivedDate *time.Time) {
	if orderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.opts.Recorder.UpdateStatus(ctx, orderID, status, category, receivedDate); err != nil {
		c.opts.Logger.Warnw("system-of-record update failed", "orderId", orderID, "status", status, "error", err)
	}
}

func (c *Coordinator) notifyOperators(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.opts.Notifier.Notify(ctx, text); err != nil {
		c.opts.Logger.Warnw("operator notification failed", "error", err)
	}
}

// refreshCapacityMirror pushes the store's current view into the state
// manager so the dashboard sees capacity changes.
func (c *Coordinator) refreshCapacityMirror() {
	capMap, ovMap, err := c.opts.Capacity.Snapshot()
	if err != nil {
		c.opts.Logger.Warnw("capacity snapshot failed", "error", err)
		return
	}
	if err := c.opts.State.SetCapacity(capMap, ovMap); err != nil {
		c.opts.Logger.Warnw("capacity mirror update failed", "error", err)
	}
}

// alreadySeen marks the order id and reports whether it was seen before.
func (c *Coordinator) alreadySeen(orderID string) bool {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, t := range c.seen {
		if now.Sub(t) > seenRetention {
			delete(c.seen, id)
		}
	}
	if _, ok := c.seen[orderID]; ok {
		return true
	}
	c.seen[orderID] = now
	return false
}

// forgetSeen lets an offer be retried after an infrastructure error.
func (c *Coordinator) forgetSeen(orderID string) {
	c.mu.Lock()
	delete(c.seen, orderID)
	c.mu.Unlock()
}

// orderIDOf digs the order id out of a task failure.
func orderIDOf(err error) string {
	var oe *orderError
	if errors.As(err, &oe) {
		return oe.orderID
	}
	return ""
}

// RewriteURL switches a workflow URL between platform views depending on
// the configured mode.
func RewriteURL(url, mode string) string {
	switch mode {
	case "coordinator":
		return strings.Replace(url, "/linguist/", "/coordinator/", 1)
	case "linguist":
		return strings.Replace(url, "/coordinator/", "/linguist/", 1)
	default:
		return url
	}
}
