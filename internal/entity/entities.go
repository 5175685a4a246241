// Package entity defines the domain model shared across the autopilot
// services: task offers, allocation plans, capacity maps, journal rows, and
// the acceptance decision variants.
package entity

import (
	"sort"
	"time"
)

// OfferStatus is the platform-side status an offer arrives with.
type OfferStatus string

const (
	OfferOnHold OfferStatus = "on_hold"
	OfferActive OfferStatus = "active"
)

// ExternalStatus is a terminal outcome recorded on the external
// system-of-record.
type ExternalStatus string

const (
	StatusAccepted ExternalStatus = "Accepted"
	StatusDeclined ExternalStatus = "Declined"
	StatusOnHold   ExternalStatus = "On Hold"
	StatusMissed   ExternalStatus = "Missed"
	StatusFailed   ExternalStatus = "Failed"
)

// TaskOffer is an immutable work offer delivered by the email listener.
// OrderID is the primary key within one process.
type TaskOffer struct {
	OrderID        string      `json:"orderId"`
	WorkflowName   string      `json:"workflowName"`
	URL            string      `json:"url"`
	AmountWords    int         `json:"amountWords"`
	PlannedEndDate string      `json:"plannedEndDate"`
	Status         OfferStatus `json:"status"`
	ReceivedDate   time.Time   `json:"receivedDate"`
}

// AllocationEntry assigns a word amount to one business day.
type AllocationEntry struct {
	Date   Date `json:"date"`
	Amount int  `json:"amount"`
}

// AllocationPlan is an ordered sequence of allocation entries, ascending by
// date with distinct dates. A plan whose Total is below the requested word
// count is infeasible and must not be applied.
type AllocationPlan []AllocationEntry

// Total returns the sum of all entry amounts.
func (p AllocationPlan) Total() int {
	sum := 0
	for _, e := range p {
		sum += e.Amount
	}
	return sum
}

// Clone returns a copy the caller may mutate freely.
func (p AllocationPlan) Clone() AllocationPlan {
	if p == nil {
		return nil
	}
	out := make(AllocationPlan, len(p))
	copy(out, p)
	return out
}

// Sort orders the plan ascending by date.
func (p AllocationPlan) Sort() {
	sort.Slice(p, func(i, j int) bool { return p[i].Date.Before(p[j].Date) })
}

// CapacityMap maps dates to used word counts. Missing keys read as zero.
type CapacityMap map[Date]int

// Clone returns a copy the caller may mutate freely.
func (m CapacityMap) Clone() CapacityMap {
	out := make(CapacityMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OverrideMap maps dates to per-date word caps replacing the default cap.
type OverrideMap map[Date]int

// Clone returns a copy the caller may mutate freely.
func (m OverrideMap) Clone() OverrideMap {
	out := make(OverrideMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ActiveTask is an accepted task the process is still responsible for.
// It is created on acceptance and destroyed on completion or when status
// sync learns the platform no longer tracks it.
type ActiveTask struct {
	OrderID           string         `json:"orderId"`
	WorkflowName      string         `json:"workflowName"`
	AmountWords       int            `json:"amountWords"`
	EffectiveDeadline time.Time      `json:"effectiveDeadline"`
	AllocationPlan    AllocationPlan `json:"allocationPlan"`
	AddedAt           time.Time      `json:"addedAt"`
}

// Clone returns a deep copy of the task.
func (t ActiveTask) Clone() ActiveTask {
	out := t
	out.AllocationPlan = t.AllocationPlan.Clone()
	return out
}

// JournalStatus is the lifecycle state of a journaled task row.
type JournalStatus string

const (
	JournalPending    JournalStatus = "pending"
	JournalProcessing JournalStatus = "processing"
	JournalCompleted  JournalStatus = "completed"
	JournalFailed     JournalStatus = "failed"
)

// JournalTask is one durable row in the task journal. TaskData is an opaque
// blob; the journal records metadata only, never executable work.
type JournalTask struct {
	ID         int64
	TaskData   string
	Status     JournalStatus
	Priority   int
	RetryCount int
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VerificationItem is a queued post-accept re-check of one order.
type VerificationItem struct {
	OrderID        string
	URL            string
	AllocationPlan AllocationPlan
	AmountWords    int
	ScheduledAt    time.Time
	VerifyAfter    time.Duration
}

// VerificationResult is the outcome of one verification pass.
type VerificationResult struct {
	OrderID      string    `json:"orderId"`
	URL          string    `json:"url"`
	Verified     bool      `json:"verified"`
	ActualStatus string    `json:"actualStatus,omitempty"`
	Error        string    `json:"error,omitempty"`
	VerifiedAt   time.Time `json:"verifiedAt"`
}
