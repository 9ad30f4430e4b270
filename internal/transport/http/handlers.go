package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"physia/backend/internal/domain"
	"physia/backend/internal/service/appointments"
)

const idempotencyKeyHeader = "Idempotency-Key"

type availabilityService interface {
	GetAvailableSlots(ctx context.Context, q appointments.AvailabilityQuery) (domain.Availability, error)
}

type bookingService interface {
	Book(ctx context.Context, in appointments.BookingInput) (appointments.Booking, error)
	UpdateStatus(ctx context.Context, organizationID int64, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
}

// Pinger reports whether the database answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type handler struct {
	availability availabilityService
	booking      bookingService
	db           Pinger
}

type slotResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Available bool   `json:"available"`
}

type availabilityResponse struct {
	Slots  []slotResponse `json:"slots"`
	Reason string         `json:"reason,omitempty"`
}

type createAppointmentRequest struct {
	ProfessionalID string  `json:"professional_id"`
	ServiceID      int64   `json:"service_id"`
	ConsultationID *int64  `json:"consultation_id"`
	ClientID       int64   `json:"client_id"`
	Date           string  `json:"date"`
	StartTime      string  `json:"start_time"`
	EndTime        *string `json:"end_time"`
	Notes          string  `json:"notes"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type appointmentResponse struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	ServiceID      int64     `json:"service_id"`
	ClientID       int64     `json:"client_id"`
	ConsultationID *int64    `json:"consultation_id,omitempty"`
	Date           string    `json:"date"`
	StartTime      string    `json:"start_time"`
	EndTime        string    `json:"end_time"`
	Status         string    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type bookingResponse struct {
	appointmentResponse
	ProfessionalName string `json:"professional_name"`
	ServiceName      string `json:"service_name"`
	ClientName       string `json:"client_name"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		ProfessionalID: a.ProfessionalID,
		ServiceID:      a.ServiceID,
		ClientID:       a.ClientID,
		ConsultationID: a.ConsultationID,
		Date:           domain.FormatDate(a.Date),
		StartTime:      a.StartTime.String(),
		EndTime:        a.EndTime.String(),
		Status:         string(a.Status),
		Notes:          a.Notes,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func organizationID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("organization_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("organization_id must be a positive integer")
	}
	return id, nil
}

func parseUUID(name, value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil, badRequest("%s is required", name)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, badRequest("%s must be a UUID", name)
	}
	return id, nil
}

func parseID(name, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, badRequest("%s is required", name)
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("%s must be a positive integer", name)
	}
	return id, nil
}

func parseDate(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, badRequest("date is required")
	}
	d, err := domain.ParseDate(value)
	if err != nil {
		return time.Time{}, badRequest("date must be YYYY-MM-DD")
	}
	return d, nil
}

func parseTime(name, value string) (domain.TimeOfDay, error) {
	if strings.TrimSpace(value) == "" {
		return 0, badRequest("%s is required", name)
	}
	t, err := domain.ParseTimeOfDay(value)
	if err != nil {
		return 0, badRequest("%s must be HH:MM", name)
	}
	return t, nil
}

// GetAvailability handles GET /organizations/:organization_id/availability.
func (h *handler) GetAvailability(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	professionalID, err := parseUUID("professional_id", c.QueryParam("professional_id"))
	if err != nil {
		return err
	}
	serviceID, err := parseID("service_id", c.QueryParam("service_id"))
	if err != nil {
		return err
	}
	date, err := parseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}

	a, err := h.availability.GetAvailableSlots(c.Request().Context(), appointments.AvailabilityQuery{
		OrganizationID: orgID,
		ProfessionalID: professionalID,
		ServiceID:      serviceID,
		Date:           date,
	})
	if err != nil {
		return err
	}

	resp := availabilityResponse{Slots: make([]slotResponse, 0, len(a.Slots)), Reason: a.Reason}
	for _, s := range a.Slots {
		resp.Slots = append(resp.Slots, slotResponse{StartTime: s.Start.String(), EndTime: s.End.String(), Available: true})
	}
	return c.JSON(http.StatusOK, resp)
}

// CreateAppointment handles POST /organizations/:organization_id/appointments.
// A replayed Idempotency-Key answers 200 with the original booking.
func (h *handler) CreateAppointment(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}

	var req createAppointmentRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return badRequest("invalid request body")
	}

	professionalID, err := parseUUID("professional_id", req.ProfessionalID)
	if err != nil {
		return err
	}
	if req.ServiceID <= 0 {
		return badRequest("service_id is required")
	}
	if req.ClientID <= 0 {
		return badRequest("client_id is required")
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return err
	}
	start, err := parseTime("start_time", req.StartTime)
	if err != nil {
		return err
	}
	var end *domain.TimeOfDay
	if req.EndTime != nil {
		t, err := parseTime("end_time", *req.EndTime)
		if err != nil {
			return err
		}
		end = &t
	}

	b, err := h.booking.Book(c.Request().Context(), appointments.BookingInput{
		OrganizationID: orgID,
		ProfessionalID: professionalID,
		ServiceID:      req.ServiceID,
		ConsultationID: req.ConsultationID,
		ClientID:       req.ClientID,
		Date:           date,
		StartTime:      start,
		EndTime:        end,
		Notes:          req.Notes,
		IdempotencyKey: c.Request().Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return err
	}

	resp := bookingResponse{
		appointmentResponse: toAppointmentResponse(b.Appointment),
		ProfessionalName:    b.ProfessionalName,
		ServiceName:         b.ServiceName,
		ClientName:          b.ClientName,
	}
	if b.Replayed {
		return c.JSON(http.StatusOK, resp)
	}
	return c.JSON(http.StatusCreated, resp)
}

// UpdateStatus handles PATCH /organizations/:organization_id/appointments/:appointment_id/status.
func (h *handler) UpdateStatus(c echo.Context) error {
	orgID, err := organizationID(c)
	if err != nil {
		return err
	}
	appointmentID, err := parseUUID("appointment_id", c.Param("appointment_id"))
	if err != nil {
		return err
	}

	var req updateStatusRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return badRequest("invalid request body")
	}
	status := domain.AppointmentStatus(strings.TrimSpace(req.Status))
	if !status.Valid() {
		return badRequest("status must be one of pending, confirmed, cancelled, completed, no_show")
	}

	a, err := h.booking.UpdateStatus(c.Request().Context(), orgID, appointmentID, status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(a))
}

func (h *handler) Healthz(c echo.Context) error {
	if h.db == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
