// Package acceptance decides whether a task offer fits the team's calendar
// and capacity.
package acceptance

import (
	"fmt"
	"time"

	"github.com/wordflow/autopilot/internal/allocator"
	"github.com/wordflow/autopilot/internal/entity"
)

// Policy holds the acceptance knobs. Working hours are the half-open range
// [WorkStartHour, WorkEndHour).
type Policy struct {
	WorkStartHour        int
	WorkEndHour          int
	UrgentHoursThreshold float64
	ShiftNightDeadline   bool
}

// DefaultPolicy mirrors the team's standard working agreement.
var DefaultPolicy = Policy{
	WorkStartHour:        10,
	WorkEndHour:          19,
	UrgentHoursThreshold: 6,
	ShiftNightDeadline:   true,
}

// deadlineLayouts are the formats offers arrive with. All are interpreted in
// the team's local time zone.
var deadlineLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"02/01/2006 15:04",
	"02.01.2006 15:04",
}

// Engine evaluates offers against a policy, the calendar, and capacity.
type Engine struct {
	allocator *allocator.Allocator
	policy    Policy
	now       func() time.Time
	loc       *time.Location
}

// New builds an engine. now and loc are injected for testability; nil means
// wall clock and local zone.
func New(alloc *allocator.Allocator, policy Policy, now func() time.Time, loc *time.Location) *Engine {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Engine{allocator: alloc, policy: policy, now: now, loc: loc}
}

// ParseDeadline parses an offer deadline string in the engine's time zone.
func (e *Engine) ParseDeadline(s string) (time.Time, error) {
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, e.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable deadline %q", s)
}

// Evaluate maps an offer to an acceptance decision. Rejections are values,
// never errors; an error return means the capacity store was unreadable.
func (e *Engine) Evaluate(offer entity.TaskOffer) (entity.AcceptanceResult, error) {
	now := e.now().In(e.loc)

	deadline, err := e.ParseDeadline(offer.PlannedEndDate)
	if err != nil {
		return entity.AcceptanceResult{
			Code:           entity.RejectInvalidDeadline,
			AllocationPlan: entity.AllocationPlan{},
			Message:        fmt.Sprintf("deadline %q is not a recognized format", offer.PlannedEndDate),
		}, nil
	}

	// A deadline of exactly 00:00 means end of the previous day.
	if deadline.Hour() == 0 && deadline.Minute() == 0 {
		deadline = deadline.AddDate(0, 0, -1)
		deadline = time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 23, 59, 0, 0, e.loc)
	}

	hoursToDeadline := deadline.Sub(now).Hours()
	urgent := hoursToDeadline <= e.policy.UrgentHoursThreshold
	inWorkingHours := deadline.Hour() >= e.policy.WorkStartHour && deadline.Hour() < e.policy.WorkEndHour

	if urgent && !inWorkingHours {
		return entity.AcceptanceResult{
			Code:           entity.RejectUrgentOutOfHours,
			RawDeadline:    deadline,
			Urgent:         true,
			InWorkingHours: false,
			AllocationPlan: entity.AllocationPlan{},
			Message: fmt.Sprintf("urgent deadline %s falls outside working hours [%d:00, %d:00)",
				deadline.Format("2006-01-02 15:04"), e.policy.WorkStartHour, e.policy.WorkEndHour),
		}, nil
	}

	effective := deadline
	if e.policy.ShiftNightDeadline && deadline.Hour() < e.policy.WorkStartHour {
		prev := deadline.AddDate(0, 0, -1)
		effective = time.Date(prev.Year(), prev.Month(), prev.Day(), 23, 59, 0, 0, e.loc)
	}

	excludeToday := now.Hour() >= e.policy.WorkEndHour

	plan, err := e.allocator.Allocate(offer.AmountWords, effective, excludeToday)
	if err != nil {
		return entity.AcceptanceResult{}, err
	}

	if plan.Total() < offer.AmountWords {
		return entity.AcceptanceResult{
			Code:              entity.RejectCapacity,
			RawDeadline:       deadline,
			EffectiveDeadline: &effective,
			Urgent:            urgent,
			InWorkingHours:    inWorkingHours,
			AllocationPlan:    plan,
			TotalPlanned:      plan.Total(),
			Message: fmt.Sprintf("only %d of %d words fit before %s",
				plan.Total(), offer.AmountWords, effective.Format("2006-01-02 15:04")),
		}, nil
	}

	code := entity.AcceptedNormal
	if urgent {
		code = entity.AcceptedUrgentInHours
	}
	return entity.AcceptanceResult{
		Code:              code,
		RawDeadline:       deadline,
		EffectiveDeadline: &effective,
		Urgent:            urgent,
		InWorkingHours:    inWorkingHours,
		AllocationPlan:    plan,
		TotalPlanned:      plan.Total(),
		Message:           fmt.Sprintf("planned %d words across %d days", plan.Total(), len(plan)),
	}, nil
}
