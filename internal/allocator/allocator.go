// Package allocator spreads a word count across eligible business days
// under per-day capacity limits.
//
// The algorithm is pure with respect to capacity: it only reads remaining
// capacity and never writes the store.
package allocator

import (
	"sort"
	"time"

	"github.com/wordflow/autopilot/internal/entity"
)

// CapacityReader is the read-only slice of the capacity store the allocator
// needs.
type CapacityReader interface {
	GetRemaining(date entity.Date) (int, error)
}

// BusinessCalendar classifies dates as working days.
type BusinessCalendar interface {
	IsBusinessDay(d entity.Date) bool
}

// Allocator produces allocation plans over business days.
type Allocator struct {
	calendar            BusinessCalendar
	capacity            CapacityReader
	urgentDaysThreshold int
	now                 func() time.Time
	loc                 *time.Location
}

// New builds an allocator. A window shorter than urgentDaysThreshold business
// days switches from balanced to urgent (front-loaded) filling.
func New(cal BusinessCalendar, cap CapacityReader, urgentDaysThreshold int, now func() time.Time, loc *time.Location) *Allocator {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Allocator{
		calendar:            cal,
		capacity:            cap,
		urgentDaysThreshold: urgentDaysThreshold,
		now:                 now,
		loc:                 loc,
	}
}

// Allocate distributes requiredWords across the business days between today
// and effectiveDeadline inclusive. A plan whose total is below requiredWords
// means the request is infeasible; the partial plan is returned for
// diagnostics and must not be applied.
func (a *Allocator) Allocate(requiredWords int, effectiveDeadline time.Time, excludeToday bool) (entity.AllocationPlan, error) {
	if requiredWords <= 0 || effectiveDeadline.IsZero() {
		return entity.AllocationPlan{}, nil
	}

	today := entity.DateOf(a.now().In(a.loc))
	deadlineDate := entity.DateOf(effectiveDeadline.In(a.loc))

	var dates []entity.Date
	for d := today; !d.After(deadlineDate); d = d.AddDays(1) {
		if excludeToday && d == today {
			continue
		}
		if a.calendar.IsBusinessDay(d) {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return entity.AllocationPlan{}, nil
	}

	remaining := make(map[entity.Date]int, len(dates))
	for _, d := range dates {
		r, err := a.capacity.GetRemaining(d)
		if err != nil {
			return nil, err
		}
		remaining[d] = r
	}

	urgent := len(dates) < a.urgentDaysThreshold

	var plan entity.AllocationPlan
	if urgent {
		plan = allocateUrgent(requiredWords, dates, remaining)
	} else {
		plan = allocateBalanced(requiredWords, dates, remaining)
	}
	plan.Sort()
	return plan, nil
}

// allocateUrgent front-loads: earliest days first, each filled to its
// remaining capacity until the need is met.
func allocateUrgent(required int, dates []entity.Date, remaining map[entity.Date]int) entity.AllocationPlan {
	plan := entity.AllocationPlan{}
	need := required
	for _, d := range dates {
		if need <= 0 {
			break
		}
		take := min(need, remaining[d])
		if take <= 0 {
			continue
		}
		plan = append(plan, entity.AllocationEntry{Date: d, Amount: take})
		need -= take
	}
	return plan
}

// allocateBalanced spreads evenly, then fills leftover need into the days
// with the most slack.
func allocateBalanced(required int, dates []entity.Date, remaining map[entity.Date]int) entity.AllocationPlan {
	perDay := (required + len(dates) - 1) / len(dates)

	allocated := make(map[entity.Date]int, len(dates))
	plan := entity.AllocationPlan{}
	need := required

	for _, d := range dates {
		if need <= 0 {
			break
		}
		take := min(perDay, need, remaining[d])
		if take <= 0 {
			continue
		}
		plan = append(plan, entity.AllocationEntry{Date: d, Amount: take})
		allocated[d] = take
		need -= take
	}

	if need > 0 {
		// Second pass: fill remaining need into the days with the most
		// slack left after the first pass.
		type slackDay struct {
			date  entity.Date
			slack int
		}
		var candidates []slackDay
		for _, d := range dates {
			slack := remaining[d] - allocated[d]
			if slack > 0 {
				candidates = append(candidates, slackDay{date: d, slack: slack})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].slack != candidates[j].slack {
				return candidates[i].slack > candidates[j].slack
			}
			return candidates[i].date.Before(candidates[j].date)
		})

		for _, c := range candidates {
			if need <= 0 {
				break
			}
			take := min(need, c.slack)
			need -= take

			merged := false
			for i := range plan {
				if plan[i].Date == c.date {
					plan[i].Amount += take
					merged = true
					break
				}
			}
			if !merged {
				plan = append(plan, entity.AllocationEntry{Date: c.date, Amount: take})
			}
		}
	}

	return plan
}

func min(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
