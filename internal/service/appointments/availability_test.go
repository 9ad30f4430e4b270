package appointments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"physia/backend/internal/domain"
	"physia/backend/internal/store"
)

var (
	testProfessionalID = uuid.MustParse("7a0c1d1e-0000-4000-8000-000000000001")
	// 2026-03-02 is a Monday.
	testDate = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
)

func tod(t *testing.T, s string) domain.TimeOfDay {
	t.Helper()
	v, err := domain.ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q) error: %v", s, err)
	}
	return v
}

func slotStrings(slots []domain.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.String())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func catalogStore(durationMinutes int) *fakeStore {
	return &fakeStore{
		getServiceFn: func(ctx context.Context, organizationID, serviceID int64) (domain.Service, error) {
			if organizationID != 1 {
				return domain.Service{}, store.ErrNotFound
			}
			return domain.Service{ID: serviceID, OrganizationID: 1, Name: "Physiotherapy", DurationMinutes: durationMinutes}, nil
		},
		getProfessionalFn: func(ctx context.Context, organizationID int64, professionalID uuid.UUID) (domain.Professional, error) {
			if professionalID != testProfessionalID {
				return domain.Professional{}, store.ErrNotFound
			}
			return domain.Professional{ID: professionalID, OrganizationID: organizationID, Name: "Ana", CalendarID: "cal-ana"}, nil
		},
		getClientFn: func(ctx context.Context, organizationID, clientID int64) (domain.Client, error) {
			return domain.Client{ID: clientID, OrganizationID: organizationID, Name: "Luis"}, nil
		},
		hasApprovedAbsenceFn: func(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error) {
			return false, nil
		},
		listScheduleWindowsFn: func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
			return nil, nil
		},
		listBookedFn: func(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
			return nil, nil
		},
	}
}

func newAvailability(data AvailabilityStore, cache AvailabilityCache) *AvailabilityService {
	return NewAvailabilityService(data, AvailabilityOptions{
		Buffer: domain.DefaultBuffer,
		Cache:  cache,
		Logger: zerolog.Nop(),
	})
}

func query() AvailabilityQuery {
	return AvailabilityQuery{OrganizationID: 1, ProfessionalID: testProfessionalID, ServiceID: 3, Date: testDate}
}

func TestGetAvailableSlots_ReferenceScenario(t *testing.T) {
	data := catalogStore(30)
	var gotWeekday int16
	var gotStatuses []domain.AppointmentStatus
	data.listScheduleWindowsFn = func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
		gotWeekday = weekday
		return []domain.ScheduleWindow{{
			ID:        1,
			StartTime: tod(t, "09:00"),
			EndTime:   tod(t, "13:00"),
			IsActive:  true,
			Breaks:    []domain.BreakWindow{{StartTime: tod(t, "11:00"), EndTime: tod(t, "11:15"), IsActive: true}},
		}}, nil
	}
	data.listBookedFn = func(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
		gotStatuses = statuses
		return []domain.BookedInterval{{ID: "a1", StartTime: tod(t, "09:30"), EndTime: tod(t, "10:00"), Status: domain.StatusConfirmed}}, nil
	}

	got, err := newAvailability(data, nil).GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}

	want := []string{"10:30-11:00", "11:30-12:00", "12:00-12:30", "12:30-13:00"}
	if !equalStrings(slotStrings(got.Slots), want) {
		t.Fatalf("slots = %v, want %v", slotStrings(got.Slots), want)
	}
	if got.Reason != "" {
		t.Fatalf("reason = %q, want empty", got.Reason)
	}
	if gotWeekday != 1 {
		t.Fatalf("weekday = %d, want 1", gotWeekday)
	}
	if len(gotStatuses) != 2 || gotStatuses[0] != domain.StatusPending || gotStatuses[1] != domain.StatusConfirmed {
		t.Fatalf("statuses = %v, want live statuses", gotStatuses)
	}
}

func TestGetAvailableSlots_AbsenceShortCircuitsLedger(t *testing.T) {
	data := catalogStore(30)
	data.hasApprovedAbsenceFn = func(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error) {
		return true, nil
	}
	data.listScheduleWindowsFn = nil
	data.listBookedFn = nil

	got, err := newAvailability(data, nil).GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	if len(got.Slots) != 0 || got.Reason != domain.ReasonVacation {
		t.Fatalf("availability = %+v, want empty with vacation reason", got)
	}
	if got.Slots == nil {
		t.Fatalf("slots should be an empty list, not nil")
	}
	if data.ledgerCalls != 0 {
		t.Fatalf("ledger calls = %d, want 0", data.ledgerCalls)
	}
}

func TestGetAvailableSlots_NoScheduleReason(t *testing.T) {
	data := catalogStore(30)
	data.listScheduleWindowsFn = func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
		return []domain.ScheduleWindow{{StartTime: tod(t, "09:00"), EndTime: tod(t, "13:00"), IsActive: false}}, nil
	}

	got, err := newAvailability(data, nil).GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	if len(got.Slots) != 0 || got.Reason != domain.ReasonNoSchedule {
		t.Fatalf("availability = %+v, want empty with no_schedule reason", got)
	}
}

func TestGetAvailableSlots_OverlappingWindowsNeverOverlap(t *testing.T) {
	data := catalogStore(45)
	data.listScheduleWindowsFn = func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
		return []domain.ScheduleWindow{
			{ID: 2, StartTime: tod(t, "10:00"), EndTime: tod(t, "12:00"), IsActive: true},
			{ID: 1, StartTime: tod(t, "09:00"), EndTime: tod(t, "11:00"), IsActive: true},
		}, nil
	}

	got, err := newAvailability(data, nil).GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	for i := 1; i < len(got.Slots); i++ {
		if got.Slots[i-1].End > got.Slots[i].Start {
			t.Fatalf("slots overlap: %v", slotStrings(got.Slots))
		}
	}
	if len(got.Slots) == 0 || got.Slots[0].Start != tod(t, "09:00") {
		t.Fatalf("slots = %v, want to start at 09:00", slotStrings(got.Slots))
	}
}

func TestGetAvailableSlots_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    func() *fakeStore
		q       func() AvailabilityQuery
		check   func(error) bool
		wantMsg string
	}{
		{
			name: "missing professional id",
			data: func() *fakeStore { return catalogStore(30) },
			q: func() AvailabilityQuery {
				q := query()
				q.ProfessionalID = uuid.Nil
				return q
			},
			check: func(err error) bool { var v *ValidationError; return errors.As(err, &v) },
		},
		{
			name: "service in another organization",
			data: func() *fakeStore { return catalogStore(30) },
			q: func() AvailabilityQuery {
				q := query()
				q.OrganizationID = 2
				return q
			},
			check: func(err error) bool {
				var nf *NotFoundError
				return errors.As(err, &nf) && nf.Resource == "service" && errors.Is(err, store.ErrNotFound)
			},
		},
		{
			name: "unknown professional",
			data: func() *fakeStore { return catalogStore(30) },
			q: func() AvailabilityQuery {
				q := query()
				q.ProfessionalID = uuid.New()
				return q
			},
			check: func(err error) bool { var nf *NotFoundError; return errors.As(err, &nf) && nf.Resource == "professional" },
		},
		{
			name:  "non-positive duration",
			data:  func() *fakeStore { return catalogStore(0) },
			q:     query,
			check: func(err error) bool { return errors.Is(err, ErrInvalidDuration) },
		},
		{
			name: "ledger failure carries context",
			data: func() *fakeStore {
				d := catalogStore(30)
				d.listBookedFn = func(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
					return nil, errors.New("connection reset")
				}
				return d
			},
			q:       query,
			check:   func(err error) bool { return err != nil },
			wantMsg: "availability professional=7a0c1d1e-0000-4000-8000-000000000001 date=2026-03-02: connection reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newAvailability(tt.data(), nil).GetAvailableSlots(context.Background(), tt.q())
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Fatalf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestGetAvailableSlots_IdempotentAndCached(t *testing.T) {
	data := catalogStore(30)
	windowCalls := 0
	data.listScheduleWindowsFn = func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
		windowCalls++
		return []domain.ScheduleWindow{{StartTime: tod(t, "09:00"), EndTime: tod(t, "10:00"), IsActive: true}}, nil
	}

	cache := newFakeCache()
	svc := newAvailability(data, cache)

	first, err := svc.GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	second, err := svc.GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if !equalStrings(slotStrings(first.Slots), slotStrings(second.Slots)) {
		t.Fatalf("results differ: %v vs %v", slotStrings(first.Slots), slotStrings(second.Slots))
	}
	if windowCalls != 1 {
		t.Fatalf("schedule lookups = %d, want 1 (second answer cached)", windowCalls)
	}

	if err := cache.Invalidate(context.Background(), testProfessionalID, testDate); err != nil {
		t.Fatalf("Invalidate error: %v", err)
	}
	if _, err := svc.GetAvailableSlots(context.Background(), query()); err != nil {
		t.Fatalf("third call error: %v", err)
	}
	if windowCalls != 2 {
		t.Fatalf("schedule lookups = %d, want 2 after invalidation", windowCalls)
	}
}

func TestGetAvailableSlots_BookingDuringReadIsNotCached(t *testing.T) {
	data, tx := bookingStore()
	data.listScheduleWindowsFn = func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
		return []domain.ScheduleWindow{{StartTime: tod(t, "09:00"), EndTime: tod(t, "10:00"), IsActive: true}}, nil
	}

	var once sync.Once
	paused := make(chan struct{})
	resume := make(chan struct{})
	data.listBookedFn = func(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
		tx.lock.Lock()
		snapshot, err := tx.ListBookedIntervals(ctx, professionalID, date, statuses)
		tx.lock.Unlock()
		once.Do(func() {
			close(paused)
			<-resume
		})
		return snapshot, err
	}

	cache := newFakeCache()
	availability := newAvailability(data, cache)
	booking := newBooking(data, BookingOptions{CommitBuffer: true, Cache: cache})

	done := make(chan error, 1)
	go func() {
		_, err := availability.GetAvailableSlots(context.Background(), query())
		done <- err
	}()

	<-paused
	if _, err := booking.Book(context.Background(), bookingInput(t, "09:00")); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	close(resume)
	if err := <-done; err != nil {
		t.Fatalf("overlapping read error: %v", err)
	}
	if cache.staleWrites != 1 {
		t.Fatalf("stale writes = %d, want 1", cache.staleWrites)
	}

	got, err := availability.GetAvailableSlots(context.Background(), query())
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	for _, s := range got.Slots {
		if s.Start == tod(t, "09:00") {
			t.Fatalf("booked slot 09:00 still offered: %v", slotStrings(got.Slots))
		}
	}
}
