package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"physia/backend/internal/domain"
	"physia/backend/internal/store"
)

// Repo implements store.AdminDataAccess on Postgres. It bypasses tenant row
// security, so every catalog lookup is scoped by organization explicitly.
type Repo struct {
	db *bun.DB
}

var _ store.AdminDataAccess = (*Repo)(nil)

func NewRepo(db *bun.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) ListScheduleWindows(ctx context.Context, professionalID uuid.UUID, weekday int16) ([]domain.ScheduleWindow, error) {
	var windows []domain.ScheduleWindow
	err := r.db.NewSelect().
		Model(&windows).
		Where("professional_id = ?", professionalID).
		Where("weekday = ?", weekday).
		Where("is_active").
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedule windows professional=%s weekday=%d: %w", professionalID, weekday, err)
	}
	if len(windows) == 0 {
		return windows, nil
	}

	ids := make([]int64, 0, len(windows))
	for _, w := range windows {
		ids = append(ids, w.ID)
	}

	var breaks []domain.BreakWindow
	err = r.db.NewSelect().
		Model(&breaks).
		Where("schedule_window_id IN (?)", bun.In(ids)).
		Where("is_active").
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list breaks professional=%s weekday=%d: %w", professionalID, weekday, err)
	}

	return attachBreaks(windows, breaks), nil
}

func attachBreaks(windows []domain.ScheduleWindow, breaks []domain.BreakWindow) []domain.ScheduleWindow {
	byWindow := make(map[int64][]domain.BreakWindow, len(windows))
	for _, b := range breaks {
		byWindow[b.ScheduleWindowID] = append(byWindow[b.ScheduleWindowID], b)
	}
	for i := range windows {
		windows[i].Breaks = byWindow[windows[i].ID]
	}
	return windows
}

func (r *Repo) HasApprovedAbsence(ctx context.Context, professionalID uuid.UUID, date time.Time) (bool, error) {
	day := domain.DateOf(date)
	exists, err := r.db.NewSelect().
		Model((*domain.AbsenceInterval)(nil)).
		Where("professional_id = ?", professionalID).
		Where("status = ?", domain.AbsenceStatusApproved).
		Where("start_date <= ?", day).
		Where("end_date >= ?", day).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check absence professional=%s date=%s: %w", professionalID, domain.FormatDate(day), err)
	}
	return exists, nil
}

func (r *Repo) ListBookedIntervals(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
	return listBookedIntervals(ctx, r.db, professionalID, date, statuses)
}

func listBookedIntervals(ctx context.Context, db bun.IDB, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
	day := domain.DateOf(date)
	if len(statuses) == 0 {
		return nil, nil
	}

	var appts []domain.Appointment
	err := db.NewSelect().
		Model(&appts).
		Column("id", "professional_id", "date", "start_time", "end_time", "status").
		Where("professional_id = ?", professionalID).
		Where("date = ?", day).
		Where("status IN (?)", bun.In(statuses)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list appointments professional=%s date=%s: %w", professionalID, domain.FormatDate(day), err)
	}

	var groups []domain.GroupActivity
	err = db.NewSelect().
		Model(&groups).
		Column("id", "professional_id", "date", "start_time", "end_time", "status").
		Where("professional_id = ?", professionalID).
		Where("date = ?", day).
		Where("status IN (?)", bun.In(statuses)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list group activities professional=%s date=%s: %w", professionalID, domain.FormatDate(day), err)
	}

	out := make([]domain.BookedInterval, 0, len(appts)+len(groups))
	for _, a := range appts {
		out = append(out, a.Interval())
	}
	for _, g := range groups {
		out = append(out, domain.BookedInterval{
			ID:             fmt.Sprintf("group:%d", g.ID),
			Kind:           domain.IntervalGroup,
			ProfessionalID: g.ProfessionalID,
			Date:           g.Date,
			StartTime:      g.StartTime,
			EndTime:        g.EndTime,
			Status:         g.Status,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (r *Repo) GetService(ctx context.Context, organizationID, serviceID int64) (domain.Service, error) {
	var s domain.Service
	err := r.db.NewSelect().
		Model(&s).
		Where("id = ?", serviceID).
		Where("organization_id = ?", organizationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Service{}, notFound(err, "get service id=%d organization=%d", serviceID, organizationID)
	}
	return s, nil
}

func (r *Repo) GetClient(ctx context.Context, organizationID, clientID int64) (domain.Client, error) {
	var c domain.Client
	err := r.db.NewSelect().
		Model(&c).
		Where("id = ?", clientID).
		Where("organization_id = ?", organizationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Client{}, notFound(err, "get client id=%d organization=%d", clientID, organizationID)
	}
	return c, nil
}

func (r *Repo) GetProfessional(ctx context.Context, organizationID int64, professionalID uuid.UUID) (domain.Professional, error) {
	var p domain.Professional
	err := r.db.NewSelect().
		Model(&p).
		Where("id = ?", professionalID).
		Where("organization_id = ?", organizationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Professional{}, notFound(err, "get professional id=%s organization=%d", professionalID, organizationID)
	}
	return p, nil
}

func (r *Repo) GetAppointment(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().
		Model(&a).
		Where("id = ?", appointmentID).
		Where("organization_id = ?", organizationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, notFound(err, "get appointment id=%s organization=%d", appointmentID, organizationID)
	}
	return a, nil
}

func (r *Repo) SetExternalEventID(ctx context.Context, appointmentID uuid.UUID, eventID string) error {
	res, err := r.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("external_event_id = ?", eventID).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", appointmentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set external event id appointment=%s: %w", appointmentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
