package appointments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"physia/backend/internal/calendar"
	"physia/backend/internal/domain"
	"physia/backend/internal/store"
)

type fakeStore struct {
	listScheduleWindowsFn func(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error)
	hasApprovedAbsenceFn  func(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error)
	listBookedFn          func(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error)
	getServiceFn          func(ctx context.Context, organizationID, serviceID int64) (domain.Service, error)
	getClientFn           func(ctx context.Context, organizationID, clientID int64) (domain.Client, error)
	getProfessionalFn     func(ctx context.Context, organizationID int64, professionalID uuid.UUID) (domain.Professional, error)
	getAppointmentFn      func(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error)
	setExternalEventIDFn  func(ctx context.Context, appointmentID uuid.UUID, eventID string) error
	tx                    *fakeTx

	mu          sync.Mutex
	ledgerCalls int
}

var _ store.AdminDataAccess = (*fakeStore)(nil)

func (f *fakeStore) ListScheduleWindows(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
	if f.listScheduleWindowsFn == nil {
		panic("ListScheduleWindows not configured")
	}
	return f.listScheduleWindowsFn(ctx, professionalID, weekday)
}

func (f *fakeStore) HasApprovedAbsence(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error) {
	if f.hasApprovedAbsenceFn == nil {
		panic("HasApprovedAbsence not configured")
	}
	return f.hasApprovedAbsenceFn(ctx, professionalID, date)
}

func (f *fakeStore) ListBookedIntervals(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
	f.mu.Lock()
	f.ledgerCalls++
	f.mu.Unlock()
	if f.listBookedFn == nil {
		panic("ListBookedIntervals not configured")
	}
	return f.listBookedFn(ctx, professionalID, date, statuses)
}

func (f *fakeStore) GetService(ctx context.Context, organizationID, serviceID int64) (domain.Service, error) {
	if f.getServiceFn == nil {
		panic("GetService not configured")
	}
	return f.getServiceFn(ctx, organizationID, serviceID)
}

func (f *fakeStore) GetClient(ctx context.Context, organizationID, clientID int64) (domain.Client, error) {
	if f.getClientFn == nil {
		panic("GetClient not configured")
	}
	return f.getClientFn(ctx, organizationID, clientID)
}

func (f *fakeStore) GetProfessional(ctx context.Context, organizationID int64, professionalID uuid.UUID) (domain.Professional, error) {
	if f.getProfessionalFn == nil {
		panic("GetProfessional not configured")
	}
	return f.getProfessionalFn(ctx, organizationID, professionalID)
}

func (f *fakeStore) GetAppointment(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error) {
	if f.getAppointmentFn == nil {
		panic("GetAppointment not configured")
	}
	return f.getAppointmentFn(ctx, organizationID, appointmentID)
}

func (f *fakeStore) SetExternalEventID(ctx context.Context, appointmentID uuid.UUID, eventID string) error {
	if f.setExternalEventIDFn == nil {
		panic("SetExternalEventID not configured")
	}
	return f.setExternalEventIDFn(ctx, appointmentID, eventID)
}

// InProfessionalDayTransaction serializes callers on one mutex, which is
// enough to model the per-day advisory lock in tests.
func (f *fakeStore) InProfessionalDayTransaction(ctx context.Context, professionalID uuid.UUID, date time.Time, fn func(ctx context.Context, tx store.BookingTx) error) error {
	if f.tx == nil {
		panic("InProfessionalDayTransaction not configured")
	}
	f.tx.lock.Lock()
	defer f.tx.lock.Unlock()
	return fn(ctx, f.tx)
}

// fakeTx is an in-memory ledger of appointments.
type fakeTx struct {
	lock  sync.Mutex
	appts []domain.Appointment
	extra []domain.BookedInterval

	createErr error
	statuses  [][]domain.AppointmentStatus
}

func (t *fakeTx) ListBookedIntervals(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
	t.statuses = append(t.statuses, statuses)
	allowed := make(map[domain.AppointmentStatus]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}

	var out []domain.BookedInterval
	for _, a := range t.appts {
		if a.ProfessionalID == professionalID && domain.FormatDate(a.Date) == domain.FormatDate(date) && allowed[a.Status] {
			out = append(out, a.Interval())
		}
	}
	for _, b := range t.extra {
		if allowed[b.Status] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *fakeTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if t.createErr != nil {
		return domain.Appointment{}, t.createErr
	}
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	t.appts = append(t.appts, appt)
	return appt, nil
}

func (t *fakeTx) GetAppointmentForUpdate(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error) {
	for _, a := range t.appts {
		if a.ID == appointmentID && a.OrganizationID == organizationID {
			return a, nil
		}
	}
	return domain.Appointment{}, store.ErrNotFound
}

func (t *fakeTx) UpdateAppointmentStatus(ctx context.Context, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	for i := range t.appts {
		if t.appts[i].ID == appointmentID {
			t.appts[i].Status = status
			return t.appts[i], nil
		}
	}
	return domain.Appointment{}, store.ErrNotFound
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]domain.Availability
	generations map[string]int64
	invalidated []string
	staleWrites int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]domain.Availability{}, generations: map[string]int64{}}
}

func dayPrefix(professionalID uuid.UUID, date time.Time) string {
	return professionalID.String() + "|" + domain.FormatDate(date) + "|"
}

func cacheKey(professionalID uuid.UUID, date time.Time, serviceID int64) string {
	return fmt.Sprintf("%s|%s|%d", professionalID, domain.FormatDate(date), serviceID)
}

func (c *fakeCache) Get(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time) (domain.Availability, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[cacheKey(professionalID, date, serviceID)]
	return a, ok, nil
}

func (c *fakeCache) Generation(ctx context.Context, professionalID uuid.UUID, date time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[dayPrefix(professionalID, date)], nil
}

func (c *fakeCache) Set(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time, generation int64, a domain.Availability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[dayPrefix(professionalID, date)] != generation {
		c.staleWrites++
		return nil
	}
	c.entries[cacheKey(professionalID, date, serviceID)] = a
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, professionalID uuid.UUID, date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := dayPrefix(professionalID, date)
	c.generations[prefix]++
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.invalidated = append(c.invalidated, prefix)
	return nil
}

type fakeSyncer struct {
	mu      sync.Mutex
	events  []calendar.Event
	deleted []string
	err     error
}

func (s *fakeSyncer) Upsert(ctx context.Context, e calendar.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.err != nil {
		return "", s.err
	}
	return "evt-" + e.AppointmentID.String()[:8], nil
}

func (s *fakeSyncer) Delete(ctx context.Context, calendarID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, calendarID+"/"+eventID)
	return s.err
}
