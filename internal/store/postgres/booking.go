package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"physia/backend/internal/domain"
	"physia/backend/internal/store"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"

	noOverlapConstraint = "appointments_no_overlap"
)

type bookingTx struct {
	tx bun.Tx
}

var _ store.BookingTx = bookingTx{}

// InProfessionalDayTransaction serializes writers per (professional, date)
// with a transaction-scoped advisory lock. The exclusion constraint on
// appointments remains the backstop for writers that bypass the lock.
func (r *Repo) InProfessionalDayTransaction(ctx context.Context, professionalID uuid.UUID, date time.Time, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProfessionalDay(ctx, tx, professionalID, date); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
}

func lockKey(professionalID uuid.UUID, date time.Time) string {
	return professionalID.String() + ":" + domain.FormatDate(date)
}

func lockProfessionalDay(ctx context.Context, tx bun.Tx, professionalID uuid.UUID, date time.Time) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey(professionalID, date)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("lock professional day %s: %w", lockKey(professionalID, date), err)
	}
	return nil
}

func (b bookingTx) ListBookedIntervals(ctx context.Context, professionalID uuid.UUID, date time.Time, statuses []domain.AppointmentStatus) ([]domain.BookedInterval, error) {
	return listBookedIntervals(ctx, b.tx, professionalID, date, statuses)
}

func (b bookingTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := domain.Appointment{
		ID:             appt.ID,
		OrganizationID: appt.OrganizationID,
		ProfessionalID: appt.ProfessionalID,
		ClientID:       appt.ClientID,
		ServiceID:      appt.ServiceID,
		ConsultationID: appt.ConsultationID,
		Date:           domain.DateOf(appt.Date),
		StartTime:      appt.StartTime,
		EndTime:        appt.EndTime,
		Status:         appt.Status,
		Notes:          appt.Notes,
		CreatedAt:      appt.CreatedAt,
		UpdatedAt:      appt.UpdatedAt,
	}

	// A constraint violation aborts the transaction; the savepoint keeps it
	// usable for the idempotency lookup.
	if _, err := b.tx.NewRaw("SAVEPOINT create_appointment").Exec(ctx); err != nil {
		return domain.Appointment{}, err
	}
	_, err := b.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		if _, rbErr := b.tx.NewRaw("ROLLBACK TO SAVEPOINT create_appointment").Exec(ctx); rbErr != nil {
			return domain.Appointment{}, errors.Join(err, rbErr)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint {
				return domain.Appointment{}, store.ErrConflict
			}
			if pgErr.Code == pgUniqueViolation {
				return b.replayAppointment(ctx, m, err)
			}
		}
		return domain.Appointment{}, err
	}
	if _, err := b.tx.NewRaw("RELEASE SAVEPOINT create_appointment").Exec(ctx); err != nil {
		return domain.Appointment{}, err
	}
	return m, nil
}

// replayAppointment resolves a primary key collision. A retry carrying the
// same booking returns the stored row; anything else is a key reuse.
func (b bookingTx) replayAppointment(ctx context.Context, want domain.Appointment, insertErr error) (domain.Appointment, error) {
	var existing domain.Appointment
	err := b.tx.NewSelect().
		Model(&existing).
		Where("id = ?", want.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, insertErr
	}
	if !existing.SameBooking(want) {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func (b bookingTx) GetAppointmentForUpdate(ctx context.Context, organizationID int64, appointmentID uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := b.tx.NewSelect().
		Model(&a).
		Where("id = ?", appointmentID).
		Where("organization_id = ?", organizationID).
		For("UPDATE").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, notFound(err, "lock appointment id=%s organization=%d", appointmentID, organizationID)
	}
	return a, nil
}

func (b bookingTx) UpdateAppointmentStatus(ctx context.Context, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	var a domain.Appointment
	_, err := b.tx.NewUpdate().
		Model(&a).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", appointmentID).
		Returning("*").
		Exec(ctx, &a)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, notFound(err, "update appointment status id=%s", appointmentID)
	}
	if a.ID == uuid.Nil {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}
