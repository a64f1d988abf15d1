package versioning

import (
	"errors"
	"fmt"
)

var (
	ErrVersionNotFound  = errors.New("version not found")
	ErrVersionCorrupted = errors.New("version corrupted")
	ErrOffline          = errors.New("history is offline")
)

// CorruptedError names the version whose payload could not be decoded or
// whose replay did not match its recorded checksum.
type CorruptedError struct {
	Sequence uint64
	Err      error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("version %d corrupted: %v", e.Sequence, e.Err)
}

func (e *CorruptedError) Unwrap() error {
	return e.Err
}

func (e *CorruptedError) Is(target error) bool {
	return target == ErrVersionCorrupted
}

func corrupted(seq uint64, err error) error {
	return &CorruptedError{Sequence: seq, Err: err}
}
