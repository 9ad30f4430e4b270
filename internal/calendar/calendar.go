// Package calendar mirrors committed appointments onto the professional's
// external calendar. Sync is best effort: callers log a SyncError and move on.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the calendar projection of one appointment.
type Event struct {
	AppointmentID uuid.UUID
	CalendarID    string
	EventID       string
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
}

// Syncer writes appointment events to an external calendar.
type Syncer interface {
	// Upsert creates the event, or replaces it when e.EventID is set, and
	// returns the external event id.
	Upsert(ctx context.Context, e Event) (string, error)
	Delete(ctx context.Context, calendarID, eventID string) error
}

// SyncError reports a failed calendar write. It never fails the booking.
type SyncError struct {
	AppointmentID uuid.UUID
	Op            string
	Err           error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("calendar %s appointment=%s: %v", e.Op, e.AppointmentID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

