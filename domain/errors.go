/*
errors.go - Centralized error taxonomy for the order-to-ledger pipeline

PURPOSE:
  All error types in one place for consistency and discoverability.
  Service packages wrap these with additional context via %w.

ERROR CATEGORIES:
  1. Validation  - malformed/missing input; caller fixes the request
  2. Conflict    - wrong-state transition, idempotent replay, unresolved
                   packing issues; carries current state for the caller
  3. Dependency  - sequence generator, batch assignment, or transactional
                   commit failed; retryable, never leaves partial state
  4. Integrity   - referenced data vanished or a balance could not be
                   derived; fatal to the operation, logged for follow-up

USAGE:
  if errors.Is(err, domain.ErrAlreadyReconciled) { ... }
  var verr *domain.ValidationError
  if errors.As(err, &verr) { ... }
*/
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned when a referenced customer doesn't exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrProductNotFound is returned when a referenced product doesn't exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrOrderNotFound is returned when a referenced order doesn't exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrDuplicateIdempotencyKey is returned when an order with the same
	// idempotency key already exists. Expected behavior for retries; the
	// orchestrator resolves it to the existing order.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAlreadyReconciled is returned when reconciling an order that has
	// already been delivered. Distinct from a generic wrong-status conflict
	// so callers never repost the invoice.
	ErrAlreadyReconciled = errors.New("order already reconciled")

	// ErrConcurrentModification is returned when a guarded write detects
	// that another caller changed the record first.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSequenceUnavailable is returned when the atomic counter primitive
	// itself failed. Retryable; a number is never fabricated.
	ErrSequenceUnavailable = errors.New("sequence counter unavailable")

	// ErrBatchAssignment is returned when the batch collaborator could not
	// produce a batch id. Order creation aborts entirely.
	ErrBatchAssignment = errors.New("batch assignment failed")

	// ErrLedgerUnavailable is returned when a ledger balance could not be
	// derived for a posting.
	ErrLedgerUnavailable = errors.New("ledger balance unavailable")

	// ErrForbidden is returned when an actor attempts an operation on a
	// customer they are not linked to.
	ErrForbidden = errors.New("actor not permitted to act on this customer")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a caller-fault input problem. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError is a wrong-state transition or a blocked workflow step.
// CurrentState gives the caller enough to decide the next action.
type ConflictError struct {
	Op           string
	CurrentState string
	Message      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s (current state: %s)", e.Op, e.Message, e.CurrentState)
}

// Conflictf builds a ConflictError.
func Conflictf(op, currentState, format string, args ...any) *ConflictError {
	return &ConflictError{Op: op, CurrentState: currentState, Message: fmt.Sprintf(format, args...)}
}

// DependencyError wraps a retryable downstream failure. The operation left
// no partial state behind.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IntegrityError is fatal to the operation: referenced data vanished between
// validation and commit, or a derived value could not be trusted.
type IntegrityError struct {
	Message string
	Err     error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data integrity: %s: %v", e.Message, e.Err)
	}
	return "data integrity: " + e.Message
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports whether err is the caller's fault.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a state conflict (including idempotent
// replay and already-reconciled).
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyReconciled) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsRetryable reports whether the caller may safely retry.
func IsRetryable(err error) bool {
	var d *DependencyError
	return errors.As(err, &d) ||
		errors.Is(err, ErrSequenceUnavailable) ||
		errors.Is(err, ErrBatchAssignment) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}

// IsIntegrity reports whether err is fatal to the specific operation.
func IsIntegrity(err error) bool {
	var i *IntegrityError
	return errors.As(err, &i) || errors.Is(err, ErrLedgerUnavailable)
}
