package saga

import (
	"errors"
)

// Error taxonomy shared by the coordinators, stores and consumers. Callers wrap
// these with fmt.Errorf("%w: ...") and match them with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("aggregate not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrTransient           = errors.New("transient infrastructure failure")
	ErrCompensation        = errors.New("compensation failed")
	ErrDuplicateEvent      = errors.New("event already processed")
	ErrVersionConflict     = errors.New("version conflict")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
)

// Kind names an error class for logs, metrics and transport mapping.
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindTransient           Kind = "transient"
	KindCompensation        Kind = "compensation"
	KindDuplicate           Kind = "duplicate"
	KindVersionConflict     Kind = "version_conflict"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindInternal            Kind = "internal"
)

// KindOf classifies err. Compensation wins over the error it wraps so a failed
// rollback is never reported as the original failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCompensation):
		return KindCompensation
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrIdempotencyConflict):
		return KindIdempotencyConflict
	case errors.Is(err, ErrDuplicateEvent):
		return KindDuplicate
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}
