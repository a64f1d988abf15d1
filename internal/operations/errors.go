package operations

import "errors"

var (
	ErrOperationNotFound    = errors.New("operation not found")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrInvalidPosition      = errors.New("invalid position")
	ErrInvalidOperationType = errors.New("invalid operation type")
)
