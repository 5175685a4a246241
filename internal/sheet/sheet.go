// Package sheet talks to the external system-of-record: the shared
// spreadsheet that is the authoritative public log of task outcomes.
package sheet

import (
	"context"
	"time"

	"github.com/wordflow/autopilot/internal/entity"
)

// Recorder is the system-of-record contract. Implementations retry status
// writes internally; callers treat failures as loggable, never fatal.
type Recorder interface {
	// UpdateStatus writes a terminal status for an order.
	UpdateStatus(ctx context.Context, orderID string, status entity.ExternalStatus, category string, receivedDate *time.Time) error

	// ReadStatusMap returns the current status of every known order.
	ReadStatusMap(ctx context.Context) (map[string]entity.ExternalStatus, error)
}
