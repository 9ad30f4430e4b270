package appointments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"physia/backend/internal/domain"
	"physia/backend/internal/metrics"
	"physia/backend/internal/store"
)

// AvailabilityCache stores computed answers per (professional, date) so that
// one invalidation clears every service variant of the day.
//
// Every Invalidate advances the day's generation. Set only writes when the
// generation still equals the one read before the answer was computed, so a
// read that overlaps a booking never stores its stale snapshot.
type AvailabilityCache interface {
	Get(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time) (domain.Availability, bool, error)
	Generation(ctx context.Context, professionalID uuid.UUID, date time.Time) (int64, error)
	Set(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time, generation int64, a domain.Availability) error
	Invalidate(ctx context.Context, professionalID uuid.UUID, date time.Time) error
}

// AvailabilityStore is the read side of store.AdminDataAccess.
type AvailabilityStore interface {
	store.ScheduleSource
	store.AbsenceSource
	store.BookingLedger
	store.Catalog
}

type AvailabilityOptions struct {
	Buffer  time.Duration
	Cache   AvailabilityCache
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type AvailabilityService struct {
	data    AvailabilityStore
	buffer  time.Duration
	cache   AvailabilityCache
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewAvailabilityService(data AvailabilityStore, opts AvailabilityOptions) *AvailabilityService {
	return &AvailabilityService{
		data:    data,
		buffer:  opts.Buffer,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "availability").Logger(),
	}
}

type AvailabilityQuery struct {
	OrganizationID int64
	ProfessionalID uuid.UUID
	ServiceID      int64
	Date           time.Time
}

func (q AvailabilityQuery) validate() error {
	if q.OrganizationID <= 0 {
		return validationError("organization_id is required")
	}
	if q.ProfessionalID == uuid.Nil {
		return validationError("professional_id is required")
	}
	if q.ServiceID <= 0 {
		return validationError("service_id is required")
	}
	if q.Date.IsZero() {
		return validationError("date is required")
	}
	return nil
}

// GetAvailableSlots returns the bookable slots for the service on the
// professional's day. The answer is a snapshot, not a reservation.
func (s *AvailabilityService) GetAvailableSlots(ctx context.Context, q AvailabilityQuery) (domain.Availability, error) {
	started := time.Now()
	a, outcome, err := s.getAvailableSlots(ctx, q)
	s.metrics.ObserveAvailability(outcome, time.Since(started))
	return a, err
}

func (s *AvailabilityService) getAvailableSlots(ctx context.Context, q AvailabilityQuery) (domain.Availability, string, error) {
	if err := q.validate(); err != nil {
		return domain.Availability{}, metrics.OutcomeInvalid, err
	}
	q.Date = domain.DateOf(q.Date)

	svc, err := s.data.GetService(ctx, q.OrganizationID, q.ServiceID)
	if err != nil {
		return domain.Availability{}, outcomeOf(err), lookupError(err, "service", q.ServiceID)
	}
	if svc.DurationMinutes <= 0 {
		return domain.Availability{}, metrics.OutcomeInvalid, ErrInvalidDuration
	}
	if _, err := s.data.GetProfessional(ctx, q.OrganizationID, q.ProfessionalID); err != nil {
		return domain.Availability{}, outcomeOf(err), lookupError(err, "professional", q.ProfessionalID)
	}

	cacheable := false
	var generation int64
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, q.OrganizationID, q.ProfessionalID, q.ServiceID, q.Date)
		if err != nil {
			s.log.Warn().Err(err).Str("professional_id", q.ProfessionalID.String()).Msg("availability cache read failed")
		} else if ok {
			return cached, metrics.OutcomeCacheHit, nil
		}
		if generation, err = s.cache.Generation(ctx, q.ProfessionalID, q.Date); err != nil {
			s.log.Warn().Err(err).Str("professional_id", q.ProfessionalID.String()).Msg("availability cache generation read failed")
		} else {
			cacheable = true
		}
	}

	a, err := s.compute(ctx, q, svc.Duration())
	if err != nil {
		s.log.Error().Err(err).
			Str("professional_id", q.ProfessionalID.String()).
			Str("date", domain.FormatDate(q.Date)).
			Msg("availability failed")
		return domain.Availability{}, metrics.OutcomeError, err
	}

	if cacheable {
		if err := s.cache.Set(ctx, q.OrganizationID, q.ProfessionalID, q.ServiceID, q.Date, generation, a); err != nil {
			s.log.Warn().Err(err).Str("professional_id", q.ProfessionalID.String()).Msg("availability cache write failed")
		}
	}

	if len(a.Slots) == 0 {
		return a, metrics.OutcomeEmpty, nil
	}
	return a, metrics.OutcomeOK, nil
}

func (s *AvailabilityService) compute(ctx context.Context, q AvailabilityQuery, d time.Duration) (domain.Availability, error) {
	day := domain.FormatDate(q.Date)

	absent, err := s.data.HasApprovedAbsence(ctx, q.ProfessionalID, q.Date)
	if err != nil {
		return domain.Availability{}, fmt.Errorf("availability professional=%s date=%s: %w", q.ProfessionalID, day, err)
	}
	if absent {
		return domain.Availability{Slots: []domain.Slot{}, Reason: domain.ReasonVacation}, nil
	}

	var (
		windows  []domain.ScheduleWindow
		bookings []domain.BookedInterval
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		windows, err = s.data.ListScheduleWindows(gctx, q.ProfessionalID, domain.WeekdayOf(q.Date))
		return err
	})
	g.Go(func() error {
		var err error
		bookings, err = s.data.ListBookedIntervals(gctx, q.ProfessionalID, q.Date, domain.LiveStatuses)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Availability{}, fmt.Errorf("availability professional=%s date=%s: %w", q.ProfessionalID, day, err)
	}

	active := make([]domain.ScheduleWindow, 0, len(windows))
	for _, w := range windows {
		if w.IsActive {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		return domain.Availability{Slots: []domain.Slot{}, Reason: domain.ReasonNoSchedule}, nil
	}

	var slots []domain.Slot
	for _, w := range active {
		slots = append(slots, domain.FilterSlots(domain.GenerateSlots(w, d), w.Breaks, bookings, s.buffer)...)
	}
	return domain.Availability{Slots: domain.NormalizeSlots(slots)}, nil
}
