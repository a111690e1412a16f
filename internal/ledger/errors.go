package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Storage and component failures. Repositories translate driver errors into
// these so the use case can classify them without knowing the driver.
var (
	ErrDuplicateSku            = errors.New("sku already exists")
	ErrDuplicateInventory      = errors.New("inventory already exists for product and warehouse")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInventoryNotFound       = errors.New("no inventory for product in warehouse")
	ErrLockTimeout             = errors.New("timed out waiting for lock")
	ErrNotFound                = errors.New("not found")
)

// Status is the logical outcome of a ledger operation.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusApplied           Status = "APPLIED"
	StatusInvalidInput      Status = "INVALID_INPUT"
	StatusConflict          Status = "CONFLICT"
	StatusLockTimeout       Status = "LOCK_TIMEOUT"
	StatusInsufficientStock Status = "INSUFFICIENT_STOCK"
	StatusInternalFault     Status = "INTERNAL_FAULT"
	// StatusAborted marks a saga action whose compensation ran first.
	StatusAborted Status = "ABORTED"
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Error is the only error type returned by UseCase operations.
type Error struct {
	Status  Status
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Status, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Status == StatusLockTimeout
}

// StatusOf returns the logical status carried by err, or StatusInternalFault.
func StatusOf(err error) Status {
	var le *Error
	if errors.As(err, &le) {
		return le.Status
	}
	return StatusInternalFault
}

// classify maps any component failure onto the error taxonomy.
func classify(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}

	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return &Error{Status: StatusInvalidInput, Field: ve.Field, Message: ve.Message, Err: err}
	case errors.Is(err, ErrDuplicateSku):
		return &Error{Status: StatusConflict, Field: "sku", Message: "sku already exists", Err: err}
	case errors.Is(err, ErrDuplicateInventory):
		return &Error{Status: StatusConflict, Field: "warehouse_id", Message: "inventory already exists", Err: err}
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return &Error{Status: StatusConflict, Field: "idempotency_key", Message: "idempotency key already used", Err: err}
	case errors.Is(err, ErrInsufficientStock):
		return &Error{Status: StatusInsufficientStock, Field: "quantity_changed", Message: "quantity would become negative", Err: err}
	case errors.Is(err, ErrInventoryNotFound):
		return &Error{Status: StatusInsufficientStock, Field: "warehouse_id", Message: "no stock recorded for product in warehouse", Err: err}
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &Error{Status: StatusLockTimeout, Message: "contention exceeded bound, retry later", Err: err}
	}
	return &Error{Status: StatusInternalFault, Message: "internal fault", Err: err}
}
