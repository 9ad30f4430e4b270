package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Live reports whether an interval with this status blocks availability.
func (s AppointmentStatus) Live() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LiveStatuses are the statuses considered by the availability read path.
var LiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed}

// NonCancelledStatuses are the statuses the commit-time recheck treats as occupying time.
var NonCancelledStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted, StatusNoShow}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID              uuid.UUID         `bun:"id,pk,type:uuid"`
	OrganizationID  int64             `bun:"organization_id,notnull"`
	ProfessionalID  uuid.UUID         `bun:"professional_id,notnull,type:uuid"`
	ClientID        int64             `bun:"client_id,notnull"`
	ServiceID       int64             `bun:"service_id,notnull"`
	ConsultationID  *int64            `bun:"consultation_id"`
	Date            time.Time         `bun:"date,notnull,type:date"`
	StartTime       TimeOfDay         `bun:"start_time,notnull,type:time"`
	EndTime         TimeOfDay         `bun:"end_time,notnull,type:time"`
	Status          AppointmentStatus `bun:"status,notnull"`
	Notes           string            `bun:"notes,nullzero"`
	ExternalEventID string            `bun:"external_event_id,nullzero"`
	CreatedAt       time.Time         `bun:"created_at,notnull"`
	UpdatedAt       time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a Appointment) Interval() BookedInterval {
	return BookedInterval{
		ID:             a.ID.String(),
		Kind:           IntervalIndividual,
		ProfessionalID: a.ProfessionalID,
		Date:           a.Date,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         a.Status,
	}
}

// SameBooking reports whether b requests the same booking as a. Status and
// timestamps are ignored so a retried request matches the stored row.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.OrganizationID == b.OrganizationID &&
		a.ProfessionalID == b.ProfessionalID &&
		a.ClientID == b.ClientID &&
		a.ServiceID == b.ServiceID &&
		sameOptionalID(a.ConsultationID, b.ConsultationID) &&
		FormatDate(a.Date) == FormatDate(b.Date) &&
		a.StartTime == b.StartTime &&
		a.EndTime == b.EndTime &&
		a.Notes == b.Notes
}

func sameOptionalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// GroupActivity is one dated occurrence of a group session led by a professional.
type GroupActivity struct {
	bun.BaseModel `bun:"table:group_activities,alias:ga"`

	ID             int64             `bun:"id,pk,autoincrement"`
	OrganizationID int64             `bun:"organization_id,notnull"`
	ProfessionalID uuid.UUID         `bun:"professional_id,notnull,type:uuid"`
	Name           string            `bun:"name,notnull"`
	Date           time.Time         `bun:"date,notnull,type:date"`
	StartTime      TimeOfDay         `bun:"start_time,notnull,type:time"`
	EndTime        TimeOfDay         `bun:"end_time,notnull,type:time"`
	Status         AppointmentStatus `bun:"status,notnull"`
}

type IntervalKind string

const (
	IntervalIndividual IntervalKind = "individual"
	IntervalGroup      IntervalKind = "group"
)

// BookedInterval is the single shape conflict checks work on, whatever the
// booking came from.
type BookedInterval struct {
	ID             string
	Kind           IntervalKind
	ProfessionalID uuid.UUID
	Date           time.Time
	StartTime      TimeOfDay
	EndTime        TimeOfDay
	Status         AppointmentStatus
}

type Service struct {
	bun.BaseModel `bun:"table:services,alias:s"`

	ID              int64  `bun:"id,pk,autoincrement"`
	OrganizationID  int64  `bun:"organization_id,notnull"`
	Name            string `bun:"name,notnull"`
	DurationMinutes int    `bun:"duration,notnull"`
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

type Client struct {
	bun.BaseModel `bun:"table:clients,alias:c"`

	ID             int64  `bun:"id,pk,autoincrement"`
	OrganizationID int64  `bun:"organization_id,notnull"`
	Name           string `bun:"name,notnull"`
}

type Professional struct {
	bun.BaseModel `bun:"table:professionals,alias:p"`

	ID             uuid.UUID `bun:"id,pk,type:uuid"`
	OrganizationID int64     `bun:"organization_id,notnull"`
	Name           string    `bun:"name,notnull"`
	CalendarID     string    `bun:"calendar_id,nullzero"`
}
