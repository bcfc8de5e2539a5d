package clocksync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
	ErrValidation        = errors.New("validation failed")
	ErrIdentityConflict  = errors.New("identity conflict")
	ErrForeignKey        = errors.New("foreign key violation")
	ErrTransient         = errors.New("transient store failure")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
	ErrUnsupportedDriver = errors.New("unsupported store driver")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalidField(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ForeignKeyError reports a write whose referenced parent row does not exist.
type ForeignKeyError struct {
	Kind   EntityKind
	Parent string
	Err    error
}

func (e *ForeignKeyError) Error() string {
	msg := fmt.Sprintf("%s references missing %s", e.Kind, e.Parent)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ForeignKeyError) Is(target error) bool {
	return target == ErrForeignKey
}

func (e *ForeignKeyError) Unwrap() error {
	return e.Err
}

// IdentityConflictError is returned when an insert loses the race against a
// concurrent writer of the same identity.
type IdentityConflictError struct {
	Kind EntityKind
	Key  Key
	Err  error
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.Key)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}

func (e *IdentityConflictError) Unwrap() error {
	return e.Err
}

type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	// Drivers that wrap their errors opaquely still leak the server text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "lock wait")
}
