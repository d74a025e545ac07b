/*
errors.go - Error taxonomy for the desk engines

PURPOSE:
  One place for every error the timeline, action and bulk engines raise
  or receive from the backend. Collaborators wrap these so callers can
  branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Input errors      - MalformedInput (recovered locally, never surfaced)
  2. Authorization     - PermissionDenied, InvalidCredential
  3. Business rules    - Ineligible, Conflict, NotFound, Validation
  4. Transport         - CommitTimeout

SEE ALSO:
  - action/classify.go: maps these to retryable / terminal failures
  - bulk/validate.go: raises ValidationError
*/
package pawn

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMalformedInput is returned when a data source replies with a shape
	// the normalizer does not recognise. Callers degrade to an empty list.
	ErrMalformedInput = errors.New("malformed input")

	// ErrPermissionDenied is returned when a non-admin attempts a privileged action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIneligible is returned when a business rule blocks the action.
	ErrIneligible = errors.New("action not eligible")

	// ErrInvalidCredential is returned when the admin PIN is rejected.
	ErrInvalidCredential = errors.New("invalid admin credential")

	// ErrConflict is returned when the target was already processed.
	ErrConflict = errors.New("target already processed")

	// ErrNotFound is returned when the target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a batch or form fails local validation.
	ErrValidation = errors.New("validation failed")

	// ErrCommitTimeout is returned when a commit call outlives its deadline.
	// The request stays open for another attempt.
	ErrCommitTimeout = errors.New("commit timed out")

	// ErrActionInProgress is returned when a request is already submitting.
	ErrActionInProgress = errors.New("action already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IneligibleError carries the reason the eligibility check gave.
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	if e.Reason == "" {
		return ErrIneligible.Error()
	}
	return fmt.Sprintf("%s: %s", ErrIneligible, e.Reason)
}

func (e *IneligibleError) Unwrap() error { return ErrIneligible }

// ValidationError lists every problem found, keyed by field path.
type ValidationError struct {
	Problems []FieldProblem
}

type FieldProblem struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Add appends a problem.
func (e *ValidationError) Add(field, message string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: message})
}

// OrNil returns nil when no problem was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request may be resubmitted as is,
// after the operator re-enters credentials.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrCommitTimeout)
}

// IsClientError returns true if the error is due to invalid operator input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrIneligible) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsNotFound returns true if the error indicates a missing target.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
