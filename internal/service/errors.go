package service

import (
	"errors"
	"fmt"
)

var (
	// ErrStateConflict отклоняет операцию, недопустимую для текущего
	// состояния (например, отмена не-pending брони). Без побочных эффектов.
	ErrStateConflict = errors.New("operation not valid for current booking state")

	// ErrForbidden hides both "doesn't exist" and "not yours" from the
	// caller; the distinction lives only in logs.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports bad request input. It is raised before any side
// effect, so a failed validation leaves no rows behind.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// GatewayError wraps a synchronous failure of the outbound purchase call.
// By the time it surfaces, the local compensating rollback has already run.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
