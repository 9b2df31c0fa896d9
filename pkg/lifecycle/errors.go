package lifecycle

import (
	"errors"
	"fmt"

	"taskboard/pkg/authority"
)

// Error kinds. Every error returned by the Engine wraps exactly one of these.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("forbidden")
	ErrApplicationNotFound = authority.ErrApplicationNotFound
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

var kinds = []error{
	ErrInvalidInput,
	ErrForbidden,
	ErrApplicationNotFound,
	ErrTaskNotFound,
	ErrInvalidTransition,
	ErrStorageUnavailable,
}

// classify wraps anything that is not already a domain error as a storage
// failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// Outcome names the kind of err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrApplicationNotFound), errors.Is(err, ErrTaskNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "storage_unavailable"
	}
}
