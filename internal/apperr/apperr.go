// Package apperr is the error taxonomy from spec.md §7: one type per
// category, each carrying enough information for the HTTP layer to pick the
// right status code without parsing error strings.
package apperr

import "fmt"

// NotFound is returned when an entity lookup fails. HTTP: 404.
type NotFound struct {
	Entity string
	ID     any
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %v not found", e.Entity, e.ID) }

// Validation is a precondition failure on entity state (ImageNotDownloaded,
// NoColoringAvailable, VersionNotInErrorState, VersionOwnershipError,
// VersionNotCompleted, NoImagesToProcess, ...). HTTP: 400.
type Validation struct {
	Reason string
}

func (e *Validation) Error() string { return e.Reason }

// UpstreamUnavailable is returned when the upstream e-commerce API returns
// nothing or rejects credentials. HTTP: 503.
type UpstreamUnavailable struct {
	Cause error
}

func (e *UpstreamUnavailable) Error() string { return fmt.Sprintf("upstream unavailable: %v", e.Cause) }
func (e *UpstreamUnavailable) Unwrap() error { return e.Cause }

// ContextMissing is a programming error: a tracked field was written without a
// prior SetMercureContext call establishing the keys its trigger events
// require. Fail-fast during development (spec.md §4.2).
type ContextMissing struct {
	Field   string
	Missing []string
}

func (e *ContextMissing) Error() string {
	return fmt.Sprintf("context missing for field %s: need %v (call SetMercureContext first)", e.Field, e.Missing)
}

// UnexpectedStatus is the race-convergence signal from C5's
// VerifyAndUpdateStatus: another worker moved the record on first. Always
// handled inside a pipeline service — never reaches the HTTP layer.
type UnexpectedStatus struct {
	Expected []string
	Actual   string
}

func (e *UnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected status: expected one of %v, got %q", e.Expected, e.Actual)
}

// Locked is returned when a row-level lock is not immediately available
// (SELECT ... FOR UPDATE NOWAIT). Always handled inside a pipeline service.
type Locked struct {
	Entity string
	ID     any
}

func (e *Locked) Error() string { return fmt.Sprintf("%s %v is locked by another worker", e.Entity, e.ID) }

// Timeout is returned when an external call exceeds its budget (e.g. the
// diffusion service's runpod_timeout wall-clock cap).
type Timeout struct {
	Operation string
	Budget    string
}

func (e *Timeout) Error() string { return fmt.Sprintf("%s exceeded its %s budget", e.Operation, e.Budget) }

// BadRequestPermanent marks an external service's 400 response as a permanent,
// non-retryable failure — the task runtime's `throws` set matches on this type.
type BadRequestPermanent struct {
	Service string
	Detail  string
}

func (e *BadRequestPermanent) Error() string {
	return fmt.Sprintf("%s rejected the request permanently: %s", e.Service, e.Detail)
}
