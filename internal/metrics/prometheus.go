package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prom registers the task pipeline's Prometheus instruments.
type Prom struct {
	tasksReceived     prometheus.Counter
	tasksAccepted     prometheus.Counter
	tasksRejected     *prometheus.CounterVec
	tasksCompleted    prometheus.Counter
	tasksFailed       prometheus.Counter
	processingSeconds prometheus.Histogram

	queueDepth    prometheus.Gauge
	poolAvailable prometheus.Gauge
	poolBusy      prometheus.Gauge
	capacityUsed  *prometheus.GaugeVec
}

// NewProm creates and registers the instruments with the given registerer.
// It panics if registration fails, matching promauto behavior.
func NewProm(reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Prom{
		tasksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_received_total",
			Help: "Total task offers received from the mail listener",
		}),
		tasksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_accepted_total",
			Help: "Total task offers accepted",
		}),
		tasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_tasks_rejected_total",
			Help: "Total task offers rejected, by rejection code",
		}, []string{"code"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_completed_total",
			Help: "Total tasks whose browser workflow completed",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_failed_total",
			Help: "Total tasks whose browser workflow failed",
		}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopilot_task_processing_seconds",
			Help:    "Browser workflow execution time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_queue_depth",
			Help: "Pending tasks in the main queue",
		}),
		poolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_pool_available",
			Help: "Available browser pool slots",
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_pool_busy",
			Help: "Busy browser pool slots",
		}),
		capacityUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autopilot_capacity_used_words",
			Help: "Used words per date",
		}, []string{"date"}),
	}

	reg.MustRegister(
		m.tasksReceived, m.tasksAccepted, m.tasksRejected,
		m.tasksCompleted, m.tasksFailed, m.processingSeconds,
		m.queueDepth, m.poolAvailable, m.poolBusy, m.capacityUsed,
	)
	return m
}

// SetQueueDepth updates the queue depth gauge.
func (m *Prom) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// SetPool updates the pool gauges.
func (m *Prom) SetPool(available, busy int) {
	m.poolAvailable.Set(float64(available))
	m.poolBusy.Set(float64(busy))
}

// SetCapacityUsed updates one date's used-words gauge.
func (m *Prom) SetCapacityUsed(date string, words int) {
	m.capacityUsed.WithLabelValues(date).Set(float64(words))
}
