package memlog

import (
	"errors"
	"fmt"
)

// ValidationReason tells why an entry was refused before any I/O.
type ValidationReason string

const (
	TooLarge ValidationReason = "too_large"
	Empty    ValidationReason = "empty"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("memlog: invalid entry")

// ValidationError is returned when an entry is refused. The file is never
// touched when this error is returned.
type ValidationError struct {
	Reason ValidationReason
	Size   int
	Limit  int
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case TooLarge:
		return fmt.Sprintf("entry exceeds maximum size (%d > %d bytes)", e.Size, e.Limit)
	case Empty:
		return "entry cannot be empty"
	default:
		return string(e.Reason)
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IOError wraps a disk or permission failure on the memory file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("memlog: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
