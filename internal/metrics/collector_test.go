package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wordflow/autopilot/internal/entity"
)

func TestCollector_CountersAndRates(t *testing.T) {
	c := NewCollector(nil)

	c.TaskReceived()
	c.TaskReceived()
	c.TaskReceived()
	c.TaskAccepted()
	c.TaskAccepted()
	c.TaskRejected(entity.RejectCapacity)
	c.TaskCompleted(90 * time.Second)
	c.TaskFailed()

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.TasksReceived)
	assert.Equal(t, int64(2), s.TasksAccepted)
	assert.Equal(t, int64(1), s.TasksRejected)
	assert.Equal(t, int64(1), s.RejectionsByCode[string(entity.RejectCapacity)])
	assert.InDelta(t, 2.0/3.0, s.AcceptanceRate, 1e-9)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Equal(t, int64(90000), s.AvgProcessingMS)
}

func TestCollector_EmptyRatesAreZero(t *testing.T) {
	s := NewCollector(nil).Snapshot()
	assert.Zero(t, s.AcceptanceRate)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.AvgProcessingMS)
}

func TestCollector_ProcessingRingIsBounded(t *testing.T) {
	c := NewCollector(nil)
	for i := 0; i < 150; i++ {
		c.TaskCompleted(time.Duration(i) * time.Second)
	}

	s := c.Snapshot()
	assert.Len(t, s.LastProcessing, 100)
}
