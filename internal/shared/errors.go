package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation indicates malformed input (empty lines, non-positive quantity).
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition occurs when an operation is attempted outside the allowed state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyLinked indicates a requisition already backs a purchase.
	ErrAlreadyLinked = errors.New("requisition already linked to a purchase")
	// ErrInsufficientStock signals a movement that would drive stock negative.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidReference indicates an unknown warehouse or product.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPersistence wraps storage or transport failures. Callers may retry these.
	ErrPersistence = errors.New("persistence failure")
)

// MaxLineQty bounds the quantity of a single order line.
const MaxLineQty int64 = 1_000_000_000

// Error carries the failure kind together with the offending entity and line.
type Error struct {
	Kind     error
	Entity   string
	EntityID int64
	LineID   int64
	Detail   string
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.EntityID != 0 {
			fmt.Fprintf(&b, " %d", e.EntityID)
		}
		if e.LineID != 0 {
			fmt.Fprintf(&b, " line %d", e.LineID)
		}
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Unwrap exposes the kind for errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

// NewError builds an Error for an entity.
func NewError(kind error, entity string, id int64, detail string) *Error {
	return &Error{Kind: kind, Entity: entity, EntityID: id, Detail: detail}
}

// LineError builds an Error pointing at a single order line.
func LineError(kind error, entity string, id, lineID int64, detail string) *Error {
	return &Error{Kind: kind, Entity: entity, EntityID: id, LineID: lineID, Detail: detail}
}

// Validation is shorthand for an ErrValidation failure.
func Validation(entity string, id int64, detail string) *Error {
	return NewError(ErrValidation, entity, id, detail)
}

// persistenceError keeps the storage cause reachable while classifying as ErrPersistence.
type persistenceError struct {
	cause error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPersistence, e.cause)
}

func (e *persistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.cause}
}

// Persistence classifies err as a storage failure unless it already carries a
// domain kind.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return &persistenceError{cause: err}
}

var kinds = []error{
	ErrValidation,
	ErrInvalidTransition,
	ErrAlreadyLinked,
	ErrInsufficientStock,
	ErrInvalidReference,
	ErrNotFound,
	ErrPersistence,
}

// KindOf returns the taxonomy sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a stable snake_case name for the failure kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation_error"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrAlreadyLinked:
		return "already_linked"
	case ErrInsufficientStock:
		return "insufficient_stock"
	case ErrInvalidReference:
		return "invalid_reference"
	case ErrNotFound:
		return "not_found"
	case ErrPersistence:
		return "persistence_error"
	default:
		return "internal_error"
	}
}

// Retryable reports whether re-submitting the same operation may succeed.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrPersistence)
}

// Describe extracts the entity information of err when present.
func Describe(err error) (entity string, id, lineID int64) {
	var de *Error
	if errors.As(err, &de) {
		return de.Entity, de.EntityID, de.LineID
	}
	return "", 0, 0
}
