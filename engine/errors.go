/*
errors.go - Centralized error types for the transfer engine

ERROR CATEGORIES:
  1. Validation       - malformed input, rejected with no state change
  2. Availability     - requested quantity exceeds Quantity - Reserved
  3. Authorization    - capability check failed
  4. Stale state      - another actor advanced or removed the record first (retryable)
  5. Not found        - referenced transfer or asset missing
  6. Partial failure  - a committed completion whose stock move did not apply

USAGE:
  if errors.Is(err, engine.ErrStaleState) {
      // re-read and retry
  }

  var ia *engine.InsufficientAvailabilityError
  if errors.As(err, &ia) {
      log.Printf("%s has only %s available", ia.Name, ia.Available)
  }
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation               = errors.New("validation failed")
	ErrInsufficientAvailability = errors.New("insufficient availability")
	ErrUnauthorized             = errors.New("not authorized")
	ErrStaleState               = errors.New("stale state")
	ErrNotFound                 = errors.New("not found")

	// ErrPartialFailure marks a side effect that committed its state change
	// but did not finish applying. It is never retried inline.
	ErrPartialFailure = errors.New("partial failure")

	// ErrConflict is returned by stores when a guarded write lost a race.
	ErrConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type InsufficientAvailabilityError struct {
	AssetID   AssetID
	Name      string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientAvailabilityError) Error() string {
	return fmt.Sprintf("insufficient availability for %q (%s): requested %s, available %s",
		e.Name, e.AssetID, e.Requested, e.Available)
}

func (e *InsufficientAvailabilityError) Unwrap() error { return ErrInsufficientAvailability }

type AuthorizationError struct {
	ActorID    string
	TransferID TransferID
	Action     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s may not %s transfer %s", e.ActorID, e.Action, e.TransferID)
}

func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

type StaleStateError struct {
	TransferID TransferID
	Expected   Status
	Actual     Status
}

func (e *StaleStateError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("transfer %s changed concurrently (expected %s)", e.TransferID, e.Expected)
	}
	return fmt.Sprintf("transfer %s is %s, expected %s", e.TransferID, e.Actual, e.Expected)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

type NotFoundError struct {
	Kind string // "asset" or "transfer"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PartialFailureError reports a stock move (or compensation) that failed after
// the authoritative state change already committed.
type PartialFailureError struct {
	TransferID TransferID
	Line       int // -1 when not tied to one line
	Err        error
}

func (e *PartialFailureError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("transfer %s: side effect incomplete: %v", e.TransferID, e.Err)
	}
	return fmt.Sprintf("transfer %s line %d: side effect incomplete: %v", e.TransferID, e.Line, e.Err)
}

func (e *PartialFailureError) Unwrap() []error { return []error{ErrPartialFailure, e.Err} }

// ShortfallError reports stock a compensation could not take back from a
// department, because it is reserved by a later transfer or already gone.
type ShortfallError struct {
	Department DepartmentID
	Key        IdentityKey
	Missing    decimal.Decimal
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%s short by %s in %s", e.Key, e.Missing, e.Department)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-reading and retrying might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState) || errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientAvailability) ||
		errors.Is(err, ErrUnauthorized)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
