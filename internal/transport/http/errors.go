package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"physia/backend/internal/service/appointments"
	"physia/backend/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// statusOf maps an error returned by a handler to a status code and the
// message shown to the client. Internal errors never leak their text.
func statusOf(err error) (int, string) {
	var (
		httpErr *echo.HTTPError
		vErr    *appointments.ValidationError
		nfErr   *appointments.NotFoundError
	)
	switch {
	case errors.As(err, &httpErr):
		if httpErr.Code >= http.StatusInternalServerError {
			return httpErr.Code, "internal error"
		}
		return httpErr.Code, fmt.Sprint(httpErr.Message)
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Error()
	case errors.As(err, &nfErr):
		return http.StatusNotFound, nfErr.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, msg := statusOf(err)
		if code >= http.StatusInternalServerError {
			log.Error().Err(err).
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, errorResponse{Error: msg})
		}
		if err != nil {
			log.Warn().Err(err).Msg("write error response failed")
		}
	}
}
