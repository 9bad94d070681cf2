package shared

import "errors"

// Cross-cutting error taxonomy. Modules wrap these with their own context so
// errors.Is keeps working across package boundaries.
var (
	// ErrNotFound indicates an unknown header, line or snapshot key.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock indicates a movement would drive on-hand negative.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientAvailable indicates a reservation exceeds available quantity.
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
	// ErrInvalidTransition indicates a state change not legal from the current status.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConcurrentModification indicates an optimistic-lock or serialization
	// failure. The caller decides whether to retry; the core never does.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateOperation indicates an operation handle was already applied.
	ErrDuplicateOperation = errors.New("operation already applied")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
)
