package storage

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSequenceConflict = errors.New("version sequence conflict")
	ErrStoreClosed      = errors.New("store is closed")
	ErrInvalidData      = errors.New("invalid data format")
)

// StoreError wraps a driver failure. It matches ErrStoreUnavailable and
// unwraps to the original error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
