package http

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"physia/backend/internal/metrics"
	"physia/backend/internal/service/appointments"
)

type Options struct {
	Availability *appointments.AvailabilityService
	Booking      *appointments.BookingService
	DB           Pinger
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger

	RequestTimeout time.Duration
	// JWTSecret enables bearer auth on the organization routes when set.
	JWTSecret string
	RateLimit RateLimitConfig
}

// NewServer builds the echo instance serving the scheduling API.
func NewServer(opts Options) *echo.Echo {
	return newServer(&handler{
		availability: opts.Availability,
		booking:      opts.Booking,
		db:           opts.DB,
	}, opts)
}

func newServer(h *handler, opts Options) *echo.Echo {
	log := opts.Logger.With().Str("component", "http").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))
	e.Use(observe(opts.Metrics))
	e.Use(recovery(log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, idempotencyKeyHeader},
	}))

	e.GET("/healthz", h.Healthz)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	org := e.Group("/api/v1/organizations/:organization_id", requestTimeout(opts.RequestTimeout))
	if opts.JWTSecret != "" {
		org.Use(organizationAuth([]byte(opts.JWTSecret)))
	}
	org.GET("/availability", h.GetAvailability)

	limited := rateLimit(opts.RateLimit, log)
	org.POST("/appointments", h.CreateAppointment, limited)
	org.PATCH("/appointments/:appointment_id/status", h.UpdateStatus, limited)

	return e
}
