package appointments

import (
	"errors"
	"fmt"

	"physia/backend/internal/metrics"
	"physia/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// ErrInvalidDuration is returned when a service has no positive duration.
var ErrInvalidDuration = &ValidationError{msg: "service duration must be positive"}

// NotFoundError names the missing resource. It matches store.ErrNotFound
// under errors.Is.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

func (e *NotFoundError) Unwrap() error {
	return store.ErrNotFound
}

func notFoundError(resource string) error {
	return &NotFoundError{Resource: resource}
}

// lookupError turns store.ErrNotFound into a NotFoundError for resource and
// wraps anything else with the lookup context.
func lookupError(err error, resource string, id any) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(resource)
	}
	return fmt.Errorf("get %s %v: %w", resource, id, err)
}

func outcomeOf(err error) string {
	var vErr *ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &vErr):
		return metrics.OutcomeInvalid
	case errors.Is(err, store.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIdempotencyConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
