package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"physia/backend/internal/domain"
)

var (
	// ErrConflict reports that a booking collides with a live interval.
	ErrConflict            = errors.New("slot no longer available")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

// ScheduleSource returns the active weekly windows of a professional for one
// weekday, each with its breaks attached.
type ScheduleSource interface {
	ListScheduleWindows(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error)
}

// AbsenceSource answers whether an approved absence covers a calendar day.
type AbsenceSource interface {
	HasApprovedAbsence(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error)
}

// BookingLedger lists individual and group bookings of a professional on a day
// whose status is one of statuses.
type BookingLedger interface {
	ListBookedIntervals(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error)
}

// Catalog resolves organization-scoped reference records. Lookups outside the
// organization return ErrNotFound.
type Catalog interface {
	GetService(ctx context.Context, organizationID, serviceID int64) (domain.Service, error)
	GetClient(ctx context.Context, organizationID, clientID int64) (domain.Client, error)
	GetProfessional(ctx context.Context, organizationID int64, professionalID uuid.UUID) (domain.Professional, error)
}

// BookingTx is the view of the ledger available while the (professional, date)
// lock is held.
type BookingTx interface {
	BookingLedger
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
}

// Booker runs fn in a transaction that excludes every other writer for the
// same professional and day.
type Booker interface {
	InProfessionalDayTransaction(ctx context.Context, professionalID uuid.UUID, date time.Time, fn func(ctx context.Context, tx BookingTx) error) error
	GetAppointment(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error)
	SetExternalEventID(ctx context.Context, appointmentID uuid.UUID, eventID string) error
}

// AdminDataAccess is the privileged data capability the engine is built on.
// It is constructed once per process and injected.
type AdminDataAccess interface {
	ScheduleSource
	AbsenceSource
	BookingLedger
	Catalog
	Booker
}
