package resolution

import "errors"

var (
	// ErrUnauthorized: the actor does not hold the role the current state requires.
	ErrUnauthorized = errors.New("resolution: unauthorized")
	// ErrInvalidState: the operation is not valid from the current state.
	ErrInvalidState = errors.New("resolution: invalid state")
	// ErrValidation: the request is malformed (e.g. empty response text).
	ErrValidation = errors.New("resolution: validation error")
	// ErrNotEligible: the tell kind never enters the workflow. Wraps ErrValidation.
	ErrNotEligible = validationError("resolution: tell is not eligible for resolution")
	// ErrExternalDependency: a collaborator the transition depends on failed. Nothing was written.
	ErrExternalDependency = errors.New("resolution: external dependency failure")
	// ErrConcurrencyConflict: the case changed between read and write. Nothing was written.
	ErrConcurrencyConflict = errors.New("resolution: concurrency conflict")
	// ErrNotFound: no tell with the given id.
	ErrNotFound = errors.New("resolution: tell not found")
	// ErrDuplicateDelivery: a webhook delivery with the same key was already applied.
	ErrDuplicateDelivery = errors.New("resolution: duplicate webhook delivery")
)

type wrappedValidation struct {
	msg string
}

func validationError(msg string) error {
	return &wrappedValidation{msg: msg}
}

func (e *wrappedValidation) Error() string { return e.msg }

func (e *wrappedValidation) Unwrap() error { return ErrValidation }

// Retryable reports whether the same request may succeed if sent again unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalDependency) || errors.Is(err, ErrConcurrencyConflict)
}

// Code maps an error to a stable machine-readable code for API responses.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrExternalDependency):
		return "external_dependency_failure"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
