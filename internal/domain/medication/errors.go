package medication

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrUndoWindowExpired  = errors.New("undo window expired")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConflict           = errors.New("concurrent modification")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrCascadeIncomplete  = errors.New("cascade delete left orphaned events")
)

// ValidationError names the offending field so callers can self-correct.
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

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DuplicateEventError carries the id of the event the new one collides with.
type DuplicateEventError struct {
	ExistingEventID uuid.UUID
}

func (e *DuplicateEventError) Error() string {
	return "duplicate event: conflicts with " + e.ExistingEventID.String()
}

func (e *DuplicateEventError) Is(target error) bool { return target == ErrDuplicateEvent }

// UndoWindowExpiredError reports when the undo window closed. Callers should
// offer the correction path instead.
type UndoWindowExpiredError struct {
	OriginalEventID uuid.UUID
	ExpiredAt       time.Time
}

func (e *UndoWindowExpiredError) Error() string {
	return fmt.Sprintf("undo window for event %s expired at %s", e.OriginalEventID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *UndoWindowExpiredError) Is(target error) bool { return target == ErrUndoWindowExpired }

// InvariantViolationError is raised by configuration checks that would
// otherwise yield silently wrong schedules. It also matches ErrValidation
// since it is always caused by caller-supplied configuration.
type InvariantViolationError struct {
	Rule   string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Rule, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation || target == ErrValidation
}

// IsDomainError reports whether err is one of the classified errors above,
// as opposed to an unexpected storage or programming failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrDuplicateEvent, ErrUndoWindowExpired,
		ErrStorageUnavailable, ErrTransactionFailed, ErrInvariantViolation,
		ErrConflict, ErrInvalidTransition, ErrCascadeIncomplete,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
