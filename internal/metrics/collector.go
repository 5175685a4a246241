// Package metrics collects in-memory counters and rolling samples for the
// dashboard, and exports the same signals through Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/wordflow/autopilot/internal/entity"
)

const processingRingSize = 100

// Snapshot is the JSON view served to the dashboard.
type Snapshot struct {
	TasksReceived  int64 `json:"tasksReceived"`
	TasksAccepted  int64 `json:"tasksAccepted"`
	TasksRejected  int64 `json:"tasksRejected"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`

	RejectionsByCode map[string]int64 `json:"rejectionsByCode"`

	AcceptanceRate float64 `json:"acceptanceRate"`
	SuccessRate    float64 `json:"successRate"`

	AvgProcessingMS int64   `json:"avgProcessingMs"`
	LastProcessing  []int64 `json:"lastProcessingMs"`

	BrowserPool interface{} `json:"browserPool,omitempty"`
	IMAP        interface{} `json:"imap,omitempty"`

	CollectedAt time.Time `json:"collectedAt"`
}

// Collector accumulates task counters. All methods are safe for concurrent
// use.
type Collector struct {
	mu sync.Mutex

	received  int64
	accepted  int64
	rejected  int64
	completed int64
	failed    int64

	rejections map[entity.AcceptanceCode]int64

	processing [processingRingSize]int64
	procCount  int
	procNext   int

	pool interface{}
	imap interface{}

	prom *Prom
}

// NewCollector creates a collector. Prometheus registration is optional;
// pass nil to keep the collector registry-free in tests.
func NewCollector(prom *Prom) *Collector {
	return &Collector{
		rejections: make(map[entity.AcceptanceCode]int64),
		prom:       prom,
	}
}

// TaskReceived counts one incoming offer.
func (c *Collector) TaskReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.tasksReceived.Inc()
	}
}

// TaskAccepted counts one accepted offer.
func (c *Collector) TaskAccepted() {
	c.mu.Lock()
	c.accepted++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.tasksAccepted.Inc()
	}
}

// TaskRejected counts one rejection under its code.
func (c *Collector) TaskRejected(code entity.AcceptanceCode) {
	c.mu.Lock()
	c.rejected++
	c.rejections[code]++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.tasksRejected.WithLabelValues(string(code)).Inc()
	}
}

// TaskCompleted counts one completed task and records its processing time.
func (c *Collector) TaskCompleted(processingTime time.Duration) {
	c.mu.Lock()
	c.completed++
	c.processing[c.procNext] = processingTime.Milliseconds()
	c.procNext = (c.procNext + 1) % processingRingSize
	if c.procCount < processingRingSize {
		c.procCount++
	}
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.tasksCompleted.Inc()
		c.prom.processingSeconds.Observe(processingTime.Seconds())
	}
}

// TaskFailed counts one failed task.
func (c *Collector) TaskFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.tasksFailed.Inc()
	}
}

// SetBrowserPool stores the latest pool summary for the snapshot.
func (c *Collector) SetBrowserPool(status interface{}) {
	c.mu.Lock()
	c.pool = status
	c.mu.Unlock()
}

// SetIMAP stores the latest mail listener summary for the snapshot.
func (c *Collector) SetIMAP(status interface{}) {
	c.mu.Lock()
	c.imap = status
	c.mu.Unlock()
}

// Snapshot computes derived rates and returns the full view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TasksReceived:    c.received,
		TasksAccepted:    c.accepted,
		TasksRejected:    c.rejected,
		TasksCompleted:   c.completed,
		TasksFailed:      c.failed,
		RejectionsByCode: make(map[string]int64, len(c.rejections)),
		BrowserPool:      c.pool,
		IMAP:             c.imap,
		CollectedAt:      time.Now(),
	}
	for code, n := range c.rejections {
		s.RejectionsByCode[string(code)] = n
	}

	if evaluated := c.accepted + c.rejected; evaluated > 0 {
		s.AcceptanceRate = float64(c.accepted) / float64(evaluated)
	}
	if finished := c.completed + c.failed; finished > 0 {
		s.SuccessRate = float64(c.completed) / float64(finished)
	}

	var sum int64
	s.LastProcessing = make([]int64, 0, c.procCount)
	for i := 0; i < c.procCount; i++ {
		v := c.processing[i]
		s.LastProcessing = append(s.LastProcessing, v)
		sum += v
	}
	if c.procCount > 0 {
		s.AvgProcessingMS = sum / int64(c.procCount)
	}
	return s
}
