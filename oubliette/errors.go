package oubliette

import "errors"

// Sentinel errors returned by ledger and workflow operations. Interaction
// handlers map these to user-facing replies; anything not listed here is
// treated as an internal error and only logged.
var (
	// ErrNotFound indicates the referenced case or appeal does not exist
	// in the community it was looked up in.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates a caller-supplied field failed validation
	// (bad duration string, empty reason, appeal body out of bounds).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotEligible indicates the member has no active case to appeal,
	// or is already restricted when a new restriction was requested.
	ErrNotEligible = errors.New("not eligible")

	// ErrDuplicatePending indicates the member already has a pending
	// appeal for the case.
	ErrDuplicatePending = errors.New("appeal already pending")

	// ErrCooldownActive indicates a denied appeal is still inside its
	// resubmission cooldown window.
	ErrCooldownActive = errors.New("appeal cooldown active")

	// ErrUnauthorized indicates the acting member lacks moderator
	// permission for the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyResolved indicates a state transition was requested on a
	// case or appeal that has already left the state the transition
	// requires. Callers generally treat this as a no-op.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrPlatformUnavailable indicates the chat platform rejected or
	// failed an API call after retries were exhausted.
	ErrPlatformUnavailable = errors.New("platform unavailable")

	// errCounterConflict is returned internally when two transactions
	// race to seed a per-guild counter row. Allocation retries on it.
	errCounterConflict = errors.New("counter row conflict")
)
