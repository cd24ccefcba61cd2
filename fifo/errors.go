/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on them with errors.Is (sentinels) or errors.As
  (structured errors carrying ids and amounts).

ERROR CATEGORIES:
  1. ValidationError        - malformed input, rejected before storage access
  2. InsufficientStockError - a plan cannot be fully satisfied
  3. ConcurrencyConflictError - optimistic re-validation failed (retriable)
  4. ReversalBlockedError   - dependents exist, reverse them first
  5. IntegrityError         - invariant violation, needs manual repair

SEE ALSO:
  - retry.go: IsRetryable drives the bounded retry loop
  - api/handlers.go: HTTP status mapping
*/
package fifo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConcurrentModification is returned when a layer changed between
	// planning and execution, or a versioned write lost the race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSerializationFailure is the storage-level "could not serialize" /
	// "database is locked" class. Stores map driver errors onto it.
	ErrSerializationFailure = errors.New("serialization failure")

	ErrReversalBlocked = errors.New("reversal blocked")

	ErrIntegrity = errors.New("integrity violation")

	ErrNotFound = errors.New("not found")

	ErrAlreadyReversed = errors.New("already reversed")

	// ErrDuplicateReference is returned by stores when an active work order
	// with the same reference already exists.
	ErrDuplicateReference = errors.New("duplicate reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ShortfallLine is the per-SKU part of an InsufficientStockError.
type ShortfallLine struct {
	SKU       SKUID
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

// InsufficientStockError reports what could not be fulfilled. For a single
// SKU, Lines has one entry; work orders report every short raw line.
type InsufficientStockError struct {
	Lines []ShortfallLine
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = fmt.Sprintf("%s: requested %s, available %s, shortfall %s",
			l.SKU, l.Requested, l.Available, l.Shortfall)
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall returns the total shortfall across lines.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		total = total.Add(l.Shortfall)
	}
	return total
}

// ConcurrencyConflictError means a planned layer no longer looks the way the
// planner saw it. Re-plan and retry.
type ConcurrencyConflictError struct {
	LayerID  LayerID
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Reason   string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("layer %s changed since planning (%s): expected remaining %s, found %s",
		e.LayerID, e.Reason, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrentModification }

// ReversalBlockedError names everything standing in the way of a reversal.
type ReversalBlockedError struct {
	MovementID MovementID
	Reason     string
	Layers     []LayerID
	Movements  []MovementID
	WorkOrders []WorkOrderID
}

func (e *ReversalBlockedError) Error() string {
	msg := fmt.Sprintf("reversal of %s blocked: %s", e.MovementID, e.Reason)
	if len(e.WorkOrders) > 0 {
		ids := make([]string, len(e.WorkOrders))
		for i, id := range e.WorkOrders {
			ids[i] = string(id)
		}
		msg += " (work orders: " + strings.Join(ids, ", ") + ")"
	}
	return msg
}

func (e *ReversalBlockedError) Unwrap() error { return ErrReversalBlocked }

// IntegrityError is a detected invariant violation. Never auto-corrected.
type IntegrityError struct {
	Entity   string // "layer", "movement", "work_order"
	ID       string
	Check    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s %s failed %s: expected %s, actual %s",
		e.Entity, e.ID, e.Check, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after re-planning.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrSerializationFailure)
}

// IsClientError returns true if the caller can correct the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrReversalBlocked) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrDuplicateReference)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
