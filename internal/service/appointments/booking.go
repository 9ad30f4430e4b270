package appointments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"physia/backend/internal/calendar"
	"physia/backend/internal/domain"
	"physia/backend/internal/metrics"
	"physia/backend/internal/store"
)

const (
	maxIdempotencyKeyLen = 256
	maxNotesLen          = 4000

	defaultCalendarTimeout = 10 * time.Second
)

// BookingStore is the write side of store.AdminDataAccess. The schedule and
// absence sources are read only when EnforceSchedule is set.
type BookingStore interface {
	store.Catalog
	store.Booker
	store.ScheduleSource
	store.AbsenceSource
}

type BookingOptions struct {
	Buffer time.Duration
	// CommitBuffer applies Buffer to the commit-time recheck as well as to
	// availability. When false the recheck is a plain overlap test.
	CommitBuffer bool
	// EnforceSchedule rejects slots availability would never offer: days
	// covered by an approved absence, times outside an active window or
	// inside a break, and starts off the window's slot grid.
	EnforceSchedule bool
	Cache           AvailabilityCache
	Calendar        calendar.Syncer
	CalendarTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

type BookingService struct {
	data            BookingStore
	buffer          time.Duration
	commitBuffer    bool
	enforceSchedule bool
	cache           AvailabilityCache
	calendar        calendar.Syncer
	calendarTimeout time.Duration
	metrics         *metrics.Metrics
	log             zerolog.Logger

	syncs sync.WaitGroup
}

func NewBookingService(data BookingStore, opts BookingOptions) *BookingService {
	timeout := opts.CalendarTimeout
	if timeout <= 0 {
		timeout = defaultCalendarTimeout
	}
	return &BookingService{
		data:            data,
		buffer:          opts.Buffer,
		commitBuffer:    opts.CommitBuffer,
		enforceSchedule: opts.EnforceSchedule,
		cache:           opts.Cache,
		calendar:        opts.Calendar,
		calendarTimeout: timeout,
		metrics:         opts.Metrics,
		log:             opts.Logger.With().Str("component", "booking").Logger(),
	}
}

type BookingInput struct {
	OrganizationID int64
	ProfessionalID uuid.UUID
	ServiceID      int64
	ConsultationID *int64
	ClientID       int64
	Date           time.Time
	StartTime      domain.TimeOfDay
	// EndTime is advisory. The committed end is always start plus the
	// service duration.
	EndTime        *domain.TimeOfDay
	Notes          string
	IdempotencyKey string
}

// Booking is a committed appointment with the display names the caller needs.
type Booking struct {
	domain.Appointment
	ProfessionalName string
	ServiceName      string
	ClientName       string
	// Replayed is set when an idempotent retry returned an existing booking.
	Replayed bool
}

func (in BookingInput) validate() error {
	if in.OrganizationID <= 0 {
		return validationError("organization_id is required")
	}
	if in.ProfessionalID == uuid.Nil {
		return validationError("professional_id is required")
	}
	if in.ServiceID <= 0 {
		return validationError("service_id is required")
	}
	if in.ClientID <= 0 {
		return validationError("client_id is required")
	}
	if in.ConsultationID != nil && *in.ConsultationID <= 0 {
		return validationError("consultation_id must be positive")
	}
	if in.Date.IsZero() {
		return validationError("date is required")
	}
	if !in.StartTime.Valid() || in.StartTime >= domain.NewTimeOfDay(24, 0) {
		return validationError("start_time is invalid")
	}
	if len(in.Notes) > maxNotesLen {
		return validationError("notes too long")
	}
	return nil
}

func idempotentID(organizationID int64, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("physia:book_appointment:"+strconv.FormatInt(organizationID, 10)+":"+key))
}

// Book commits the slot if it is still free. Concurrent attempts on the same
// professional and day are serialized; exactly one wins a contested slot and
// the rest get store.ErrConflict.
func (s *BookingService) Book(ctx context.Context, in BookingInput) (Booking, error) {
	b, err := s.book(ctx, in)
	switch {
	case err != nil:
		s.metrics.ObserveBooking(outcomeOf(err))
	case b.Replayed:
		s.metrics.ObserveBooking(metrics.OutcomeReplayed)
	default:
		s.metrics.ObserveBooking(metrics.OutcomeOK)
	}
	return b, err
}

func (s *BookingService) book(ctx context.Context, in BookingInput) (Booking, error) {
	if err := in.validate(); err != nil {
		s.log.Warn().Err(err).Int64("organization_id", in.OrganizationID).Msg("booking rejected")
		return Booking{}, err
	}
	date := domain.DateOf(in.Date)

	var id uuid.UUID
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKeyLen {
			return Booking{}, validationError("idempotency_key too long")
		}
		id = idempotentID(in.OrganizationID, key)
	}

	svc, err := s.data.GetService(ctx, in.OrganizationID, in.ServiceID)
	if err != nil {
		return Booking{}, lookupError(err, "service", in.ServiceID)
	}
	if svc.DurationMinutes <= 0 {
		return Booking{}, ErrInvalidDuration
	}
	client, err := s.data.GetClient(ctx, in.OrganizationID, in.ClientID)
	if err != nil {
		return Booking{}, lookupError(err, "client", in.ClientID)
	}
	professional, err := s.data.GetProfessional(ctx, in.OrganizationID, in.ProfessionalID)
	if err != nil {
		return Booking{}, lookupError(err, "professional", in.ProfessionalID)
	}

	end := in.StartTime.Add(svc.Duration())
	if !end.Valid() || end <= in.StartTime {
		return Booking{}, validationError("slot must end on the same day")
	}
	if in.EndTime != nil && *in.EndTime != end {
		s.log.Debug().
			Str("requested_end", in.EndTime.String()).
			Str("end", end.String()).
			Msg("ignoring requested end time, using service duration")
	}

	if s.enforceSchedule {
		if err := s.checkOffered(ctx, in.ProfessionalID, date, domain.Slot{Start: in.StartTime, End: end}, svc.Duration()); err != nil {
			return Booking{}, err
		}
	}

	want := domain.Appointment{
		ID:             id,
		OrganizationID: in.OrganizationID,
		ProfessionalID: in.ProfessionalID,
		ClientID:       in.ClientID,
		ServiceID:      in.ServiceID,
		ConsultationID: in.ConsultationID,
		Date:           date,
		StartTime:      in.StartTime,
		EndTime:        end,
		Status:         domain.StatusConfirmed,
		Notes:          strings.TrimSpace(in.Notes),
	}

	var buffer time.Duration
	if s.commitBuffer {
		buffer = s.buffer
	}

	logger := s.log.With().
		Str("professional_id", in.ProfessionalID.String()).
		Str("date", domain.FormatDate(date)).
		Str("slot", domain.Slot{Start: in.StartTime, End: end}.String()).
		Logger()

	var (
		out      domain.Appointment
		replayed bool
	)
	err = s.data.InProfessionalDayTransaction(ctx, in.ProfessionalID, date, func(ctx context.Context, tx store.BookingTx) error {
		if want.ID != uuid.Nil {
			existing, err := tx.GetAppointmentForUpdate(ctx, in.OrganizationID, want.ID)
			switch {
			case err == nil:
				if !existing.SameBooking(want) {
					return store.ErrIdempotencyConflict
				}
				out, replayed = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		booked, err := tx.ListBookedIntervals(ctx, in.ProfessionalID, date, domain.NonCancelledStatuses)
		if err != nil {
			return err
		}
		if hit, ok := domain.FindConflict(booked, want.StartTime, want.EndTime, buffer); ok {
			logger.Info().Str("conflicting_id", hit.ID).Str("conflicting_kind", string(hit.Kind)).Msg("slot no longer available")
			return store.ErrConflict
		}

		created, err := tx.CreateAppointment(ctx, want)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrIdempotencyConflict) {
			return Booking{}, err
		}
		logger.Error().Err(err).Msg("booking failed")
		return Booking{}, fmt.Errorf("book professional=%s date=%s: %w", in.ProfessionalID, domain.FormatDate(date), err)
	}

	if replayed {
		logger.Info().Str("appointment_id", out.ID.String()).Msg("booking replayed")
	} else {
		logger.Info().Str("appointment_id", out.ID.String()).Msg("booking committed")
		s.invalidate(ctx, out.ProfessionalID, out.Date)
		s.syncCalendar(out, professional, svc, client)
	}

	return Booking{
		Appointment:      out,
		ProfessionalName: professional.Name,
		ServiceName:      svc.Name,
		ClientName:       client.Name,
		Replayed:         replayed,
	}, nil
}

// checkOffered reads the schedule outside the booking transaction. Schedule
// edits racing a booking are not serialized by the day lock.
func (s *BookingService) checkOffered(ctx context.Context, professionalID uuid.UUID, date time.Time, slot domain.Slot, d time.Duration) error {
	absent, err := s.data.HasApprovedAbsence(ctx, professionalID, date)
	if err != nil {
		return fmt.Errorf("book professional=%s date=%s: %w", professionalID, domain.FormatDate(date), err)
	}
	if absent {
		return validationError("professional is absent on this date")
	}

	windows, err := s.data.ListScheduleWindows(ctx, professionalID, domain.WeekdayOf(date))
	if err != nil {
		return fmt.Errorf("book professional=%s date=%s: %w", professionalID, domain.FormatDate(date), err)
	}
	if !domain.Offered(windows, slot, d) {
		return validationError("slot is not offered by the professional's schedule")
	}
	return nil
}

// UpdateStatus moves an appointment along its status machine. Setting the
// current status again is a no-op.
func (s *BookingService) UpdateStatus(ctx context.Context, organizationID int64, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	if organizationID <= 0 {
		return domain.Appointment{}, validationError("organization_id is required")
	}
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if !status.Valid() {
		return domain.Appointment{}, validationError("status is invalid")
	}

	current, err := s.data.GetAppointment(ctx, organizationID, appointmentID)
	if err != nil {
		return domain.Appointment{}, lookupError(err, "appointment", appointmentID)
	}

	var (
		out     domain.Appointment
		changed bool
	)
	err = s.data.InProfessionalDayTransaction(ctx, current.ProfessionalID, current.Date, func(ctx context.Context, tx store.BookingTx) error {
		locked, err := tx.GetAppointmentForUpdate(ctx, organizationID, appointmentID)
		if err != nil {
			return err
		}
		if locked.Status == status {
			out = locked
			return nil
		}
		if !locked.Status.CanTransitionTo(status) {
			return validationError(fmt.Sprintf("cannot change status from %s to %s", locked.Status, status))
		}
		updated, err := tx.UpdateAppointmentStatus(ctx, appointmentID, status)
		if err != nil {
			return err
		}
		out, changed = updated, true
		return nil
	})
	if err != nil {
		var vErr *ValidationError
		switch {
		case errors.As(err, &vErr), errors.Is(err, store.ErrConflict):
			return domain.Appointment{}, err
		case errors.Is(err, store.ErrNotFound):
			return domain.Appointment{}, notFoundError("appointment")
		}
		return domain.Appointment{}, fmt.Errorf("update status appointment=%s: %w", appointmentID, err)
	}

	if changed {
		s.log.Info().
			Str("appointment_id", out.ID.String()).
			Str("from", string(current.Status)).
			Str("to", string(out.Status)).
			Msg("appointment status changed")
		s.invalidate(ctx, out.ProfessionalID, out.Date)
		if out.Status == domain.StatusCancelled {
			s.removeCalendarEvent(out)
		}
	}
	return out, nil
}

// Wait blocks until in-flight calendar syncs finish or ctx is done.
func (s *BookingService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.syncs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BookingService) invalidate(ctx context.Context, professionalID uuid.UUID, date time.Time) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, professionalID, date); err != nil {
		s.log.Warn().Err(err).
			Str("professional_id", professionalID.String()).
			Str("date", domain.FormatDate(date)).
			Msg("availability cache invalidation failed")
	}
}

// syncCalendar mirrors the booking onto the professional's calendar in the
// background. The caller's context is not used: the sync outlives the request.
func (s *BookingService) syncCalendar(appt domain.Appointment, professional domain.Professional, svc domain.Service, client domain.Client) {
	if s.calendar == nil || professional.CalendarID == "" {
		return
	}

	event := calendar.Event{
		AppointmentID: appt.ID,
		CalendarID:    professional.CalendarID,
		EventID:       appt.ExternalEventID,
		Summary:       svc.Name + " - " + client.Name,
		Description:   appt.Notes,
		Start:         appt.StartTime.On(appt.Date),
		End:           appt.EndTime.On(appt.Date),
	}

	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.calendarTimeout)
		defer cancel()

		eventID, err := s.calendar.Upsert(ctx, event)
		if err != nil {
			s.syncFailed(&calendar.SyncError{AppointmentID: appt.ID, Op: "upsert", Err: err})
			return
		}
		if eventID != "" && eventID != appt.ExternalEventID {
			if err := s.data.SetExternalEventID(ctx, appt.ID, eventID); err != nil {
				s.syncFailed(&calendar.SyncError{AppointmentID: appt.ID, Op: "record_event_id", Err: err})
				return
			}
		}
		s.metrics.ObserveCalendarSync("upsert", metrics.OutcomeOK)
	}()
}

func (s *BookingService) removeCalendarEvent(appt domain.Appointment) {
	if s.calendar == nil || appt.ExternalEventID == "" {
		return
	}

	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.calendarTimeout)
		defer cancel()

		professional, err := s.data.GetProfessional(ctx, appt.OrganizationID, appt.ProfessionalID)
		if err == nil {
			err = s.calendar.Delete(ctx, professional.CalendarID, appt.ExternalEventID)
		}
		if err != nil {
			s.syncFailed(&calendar.SyncError{AppointmentID: appt.ID, Op: "delete", Err: err})
			return
		}
		s.metrics.ObserveCalendarSync("delete", metrics.OutcomeOK)
	}()
}

func (s *BookingService) syncFailed(err *calendar.SyncError) {
	s.log.Error().Err(err).Str("appointment_id", err.AppointmentID.String()).Str("op", err.Op).Msg("calendar sync failed")
	s.metrics.ObserveCalendarSync(err.Op, metrics.OutcomeSyncFailed)
}
