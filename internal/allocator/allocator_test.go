package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/entity"
)

// weekdayCalendar treats every Monday-Friday as a business day.
type weekdayCalendar struct{}

func (weekdayCalendar) IsBusinessDay(d entity.Date) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// fakeCapacity serves remaining capacity from a map, defaulting to cap.
type fakeCapacity struct {
	cap  int
	used map[entity.Date]int
}

func (f *fakeCapacity) GetRemaining(d entity.Date) (int, error) {
	remaining := f.cap - f.used[d]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func date(s string) entity.Date {
	d, err := entity.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fixedNow is Wednesday 2026-01-28 14:00 local time.
func fixedNow() time.Time {
	return time.Date(2026, 1, 28, 14, 0, 0, 0, time.Local)
}

func newTestAllocator(capacity *fakeCapacity) *Allocator {
	return New(weekdayCalendar{}, capacity, 2, fixedNow, time.Local)
}

func TestAllocate_BalancedEvenSplit(t *testing.T) {
	alloc := newTestAllocator(&fakeCapacity{cap: 12000, used: map[entity.Date]int{}})

	// Four business days: Wed 01-28 .. Mon 02-02.
	plan, err := alloc.Allocate(12000, time.Date(2026, 2, 2, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	expected := entity.AllocationPlan{
		{Date: date("2026-01-28"), Amount: 3000},
		{Date: date("2026-01-29"), Amount: 3000},
		{Date: date("2026-01-30"), Amount: 3000},
		{Date: date("2026-02-02"), Amount: 3000},
	}
	assert.Equal(t, expected, plan)
}

func TestAllocate_UrgentSingleDay(t *testing.T) {
	alloc := newTestAllocator(&fakeCapacity{cap: 12000, used: map[entity.Date]int{}})

	// Deadline today: one business day, below the urgent threshold of 2.
	plan, err := alloc.Allocate(5000, time.Date(2026, 1, 28, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	require.Len(t, plan, 1)
	assert.Equal(t, date("2026-01-28"), plan[0].Date)
	assert.Equal(t, 5000, plan[0].Amount)
}

func TestAllocate_UrgentFrontLoads(t *testing.T) {
	capacity := &fakeCapacity{cap: 12000, used: map[entity.Date]int{
		date("2026-01-28"): 10000, // 2000 left today
	}}
	alloc := New(weekdayCalendar{}, capacity, 3, fixedNow, time.Local)

	// Two business days with threshold 3 -> urgent mode.
	plan, err := alloc.Allocate(5000, time.Date(2026, 1, 29, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	expected := entity.AllocationPlan{
		{Date: date("2026-01-28"), Amount: 2000},
		{Date: date("2026-01-29"), Amount: 3000},
	}
	assert.Equal(t, expected, plan)
}

func TestAllocate_InfeasibleReturnsPartial(t *testing.T) {
	capacity := &fakeCapacity{cap: 12000, used: map[entity.Date]int{
		date("2026-01-29"): 12000,
		date("2026-01-30"): 12000,
		date("2026-02-02"): 12000,
	}}
	// 19:30: today is excluded by the caller.
	alloc := New(weekdayCalendar{}, capacity, 2, func() time.Time {
		return time.Date(2026, 1, 28, 19, 30, 0, 0, time.Local)
	}, time.Local)

	plan, err := alloc.Allocate(10000, time.Date(2026, 2, 2, 18, 0, 0, 0, time.Local), true)
	require.NoError(t, err)

	assert.Empty(t, plan)
	assert.Equal(t, 0, plan.Total())
}

func TestAllocate_SecondPassFillsSlack(t *testing.T) {
	capacity := &fakeCapacity{cap: 12000, used: map[entity.Date]int{
		date("2026-01-28"): 11000, // 1000 left
		date("2026-01-30"): 8000,  // 4000 left
	}}
	alloc := newTestAllocator(capacity)

	// perDay = ceil(9000/3) = 3000. First pass: 1000 + 3000 + 3000 = 7000.
	// Second pass: 2000 more; Thursday has the most slack (9000 vs 1000).
	plan, err := alloc.Allocate(9000, time.Date(2026, 1, 30, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	expected := entity.AllocationPlan{
		{Date: date("2026-01-28"), Amount: 1000},
		{Date: date("2026-01-29"), Amount: 5000},
		{Date: date("2026-01-30"), Amount: 3000},
	}
	assert.Equal(t, expected, plan)
	assert.Equal(t, 9000, plan.Total())
}

func TestAllocate_ZeroWordsIsFeasible(t *testing.T) {
	alloc := newTestAllocator(&fakeCapacity{cap: 12000, used: map[entity.Date]int{}})
	plan, err := alloc.Allocate(0, time.Date(2026, 2, 2, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestAllocate_ExcludeTodayRemovesToday(t *testing.T) {
	alloc := newTestAllocator(&fakeCapacity{cap: 12000, used: map[entity.Date]int{}})

	plan, err := alloc.Allocate(6000, time.Date(2026, 1, 30, 18, 0, 0, 0, time.Local), true)
	require.NoError(t, err)

	for _, e := range plan {
		assert.NotEqual(t, date("2026-01-28"), e.Date, "today must be excluded")
	}
	assert.Equal(t, 6000, plan.Total())
}

func TestAllocate_SkipsWeekends(t *testing.T) {
	alloc := newTestAllocator(&fakeCapacity{cap: 12000, used: map[entity.Date]int{}})

	plan, err := alloc.Allocate(8000, time.Date(2026, 2, 2, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	for _, e := range plan {
		wd := e.Date.Weekday()
		assert.NotEqual(t, time.Saturday, wd)
		assert.NotEqual(t, time.Sunday, wd)
	}
}

func TestAllocate_PlanSortedWithUniqueDates(t *testing.T) {
	capacity := &fakeCapacity{cap: 3000, used: map[entity.Date]int{}}
	alloc := newTestAllocator(capacity)

	plan, err := alloc.Allocate(11000, time.Date(2026, 2, 3, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	seen := map[entity.Date]bool{}
	for i, e := range plan {
		assert.False(t, seen[e.Date], "duplicate date %s", e.Date)
		seen[e.Date] = true
		assert.GreaterOrEqual(t, e.Amount, 1)
		if i > 0 {
			assert.True(t, plan[i-1].Date.Before(e.Date), "plan must ascend by date")
		}
	}
	assert.Equal(t, 11000, plan.Total())
}

func TestAllocate_NeverExceedsRemainingCapacity(t *testing.T) {
	capacity := &fakeCapacity{cap: 4000, used: map[entity.Date]int{
		date("2026-01-29"): 1500,
	}}
	alloc := newTestAllocator(capacity)

	plan, err := alloc.Allocate(10000, time.Date(2026, 1, 30, 18, 0, 0, 0, time.Local), false)
	require.NoError(t, err)

	for _, e := range plan {
		remaining, _ := capacity.GetRemaining(e.Date)
		assert.LessOrEqual(t, e.Amount, remaining, "entry for %s exceeds capacity", e.Date)
	}
}
