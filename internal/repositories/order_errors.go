package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates the order document is missing.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorStampMismatch indicates the caller's concurrency stamp is stale.
	OrderErrorStampMismatch OrderErrorCode = "order_stamp_mismatch"
	// OrderErrorInvalidTransition indicates the stored status does not allow the requested transition.
	OrderErrorInvalidTransition OrderErrorCode = "order_invalid_transition"
	// OrderErrorAlreadyExists indicates the order document already exists on insert.
	OrderErrorAlreadyExists OrderErrorCode = "order_already_exists"
	// OrderErrorInvalidInput indicates the caller supplied invalid arguments.
	OrderErrorInvalidInput OrderErrorCode = "order_invalid_input"
)

// OrderError wraps order-specific failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
