/*
errors.go - Error taxonomy for the policy engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels; structured errors carry the record context and unwrap to
  their sentinel.

ERROR CATEGORIES:
  1. Validation   - malformed input to a pure function (caller bug)
  2. Conflict     - precondition violated at commit time (not retried)
  3. NotFound     - referenced record missing
  4. Timeout      - transaction exceeded its time budget (retry whole op)
  5. Persistence  - store unavailable (batch passes skip and continue)

SEE ALSO:
  - store.go: RunTx maps deadline errors to TransactionTimeoutError
  - api/handlers.go: HTTP status mapping
*/
package policy

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrTransactionTimeout = errors.New("transaction timeout")
	ErrPersistence        = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports a precondition that no longer holds.
type ConflictError struct {
	Collection Collection
	Key        string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q: %s", e.Collection, e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing record.
type NotFoundError struct {
	Collection Collection
	Key        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Collection, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransactionTimeoutError reports a transaction that exceeded its budget.
type TransactionTimeoutError struct {
	Budget time.Duration
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("transaction exceeded budget of %s", e.Budget)
}

func (e *TransactionTimeoutError) Unwrap() error { return ErrTransactionTimeout }

// PersistenceError wraps an underlying store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionTimeout) || errors.Is(err, ErrPersistence)
}

// IsConflict returns true for precondition violations.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound returns true if a referenced record is missing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
