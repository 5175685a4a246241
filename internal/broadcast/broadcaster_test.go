package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/logger"
	"github.com/wordflow/autopilot/internal/state"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages []string
	payloads []interface{}
	fail     bool
}

func (r *recordingTransport) Broadcast(messageType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, messageType)
	r.payloads = append(r.payloads, payload)
	if r.fail {
		return errors.New("transport down")
	}
	return nil
}

func (r *recordingTransport) count(messageType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m == messageType {
			n++
		}
	}
	return n
}

func TestBroadcaster_LowFrequencyEventsFireImmediately(t *testing.T) {
	mgr := state.NewManager(logger.Nop())
	transport := &recordingTransport{}
	b, err := New(mgr, transport, 50*time.Millisecond, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	mgr.SetSystemStatus(state.SystemRunning)

	assert.Equal(t, 1, transport.count("systemUpdated"))
}

func TestBroadcaster_CoalescesCapacityBursts(t *testing.T) {
	mgr := state.NewManager(logger.Nop())
	transport := &recordingTransport{}
	b, err := New(mgr, transport, 50*time.Millisecond, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	for i := 1; i <= 5; i++ {
		capMap := entity.CapacityMap{{Year: 2026, Month: 1, Day: 28}: i * 1000}
		require.NoError(t, mgr.SetCapacity(capMap, nil))
	}

	// Only the trailing payload survives the debounce window.
	require.Eventually(t, func() bool {
		return transport.count("capacityUpdated") == 1
	}, time.Second, 10*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	last := transport.payloads[len(transport.payloads)-1].(entity.CapacityMap)
	assert.Equal(t, 5000, last[entity.Date{Year: 2026, Month: 1, Day: 28}])
}

func TestBroadcaster_KeysDebounceIndependently(t *testing.T) {
	mgr := state.NewManager(logger.Nop())
	transport := &recordingTransport{}
	b, err := New(mgr, transport, 30*time.Millisecond, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, mgr.SetCapacity(entity.CapacityMap{}, nil))
	require.NoError(t, mgr.AddActiveTask(entity.ActiveTask{OrderID: "x"}))

	require.Eventually(t, func() bool {
		return transport.count("capacityUpdated") == 1 && transport.count("tasksUpdated") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_TransportErrorDoesNotBreakChain(t *testing.T) {
	mgr := state.NewManager(logger.Nop())
	transport := &recordingTransport{fail: true}
	b, err := New(mgr, transport, 10*time.Millisecond, logger.Nop())
	require.NoError(t, err)
	defer b.Close()

	mgr.SetSystemStatus(state.SystemRunning)
	mgr.SetSystemStatus(state.SystemPaused)

	assert.Equal(t, 2, transport.count("systemUpdated"))
}

func TestBroadcaster_CloseCancelsPendingTimers(t *testing.T) {
	mgr := state.NewManager(logger.Nop())
	transport := &recordingTransport{}
	b, err := New(mgr, transport, 50*time.Millisecond, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, mgr.SetCapacity(entity.CapacityMap{}, nil))
	b.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, transport.count("capacityUpdated"))

	// After Close the broadcaster is unsubscribed entirely.
	mgr.SetSystemStatus(state.SystemRunning)
	assert.Equal(t, 0, transport.count("systemUpdated"))
}
