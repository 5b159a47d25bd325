package types

import "errors"

// Error kinds surfaced across the execution core. Errors local to a single
// venue or slice are absorbed by adaptive behavior; these sentinels cover
// what callers need to classify.
var (
	// ErrValidation marks a malformed order or configuration. Rejected
	// before any state is created, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lookup for an unknown schedule.
	ErrNotFound = errors.New("schedule not found")

	// ErrAlreadyTerminal marks a cancel request against a schedule that
	// has already reached a terminal state.
	ErrAlreadyTerminal = errors.New("schedule already terminal")

	// ErrVenueUnavailable marks a venue that failed eligibility filters,
	// timed out, or has its circuit breaker open. Excluded from the
	// current allocation, not fatal to the order.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrNoEligibleVenue marks a routing pass that found zero eligible
	// venues. The schedule retries on the next tick.
	ErrNoEligibleVenue = errors.New("no eligible venue")
)
