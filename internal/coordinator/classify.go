package coordinator

import (
	"errors"
	"strings"

	"github.com/wordflow/autopilot/internal/entity"
)

// Outcome is the terminal classification of a task failure.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeMissed
	OutcomeOnHold
	OutcomeLoginExpired
)

// missedMarkers are failure texts that mean the order was gone before the
// workflow could act on it. Matching is case-insensitive substring, since
// the platform has spelled these several ways.
var missedMarkers = []string{
	"404",
	"not found",
	"unable to read status",
}

// earlySteps are automation steps whose failure means the order page never
// opened.
var earlySteps = map[string]bool{
	"step-1":     true,
	"open-order": true,
	"navigate":   true,
}

// Classify maps a task failure to its terminal outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeFailed
	}

	if errors.Is(err, entity.ErrLoginExpired) {
		return OutcomeLoginExpired
	}

	msg := strings.ToLower(err.Error())
	if msg == strings.ToLower(entity.ErrLoginExpired.Error()) || strings.Contains(msg, "login_expired") {
		return OutcomeLoginExpired
	}

	if strings.Contains(msg, "on hold") || strings.Contains(msg, "on_hold") {
		return OutcomeOnHold
	}

	var auto *entity.BrowserAutomationError
	if errors.As(err, &auto) && earlySteps[auto.Step] {
		return OutcomeMissed
	}
	for _, marker := range missedMarkers {
		if strings.Contains(msg, marker) {
			return OutcomeMissed
		}
	}

	return OutcomeFailed
}
