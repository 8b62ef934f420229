package backup

import (
	"context"
	"errors"
	"fmt"
)

// Op names the remote call that failed.
type Op string

const (
	OpUpload Op = "upload"
	OpList   Op = "list"
	OpDelete Op = "delete"
)

var (
	ErrUploadFailed = errors.New("backup: upload failed")
	ErrListFailed   = errors.New("backup: list failed")
	ErrDeleteFailed = errors.New("backup: delete failed")

	// ErrBusy is returned when a run is already in progress on the same target.
	ErrBusy = errors.New("backup: another run is in progress")
)

// Error reports a failed remote store call. It matches the Err*Failed
// sentinel of its Op and unwraps to the store's own error.
type Error struct {
	Op     Op
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup: %s on %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch e.Op {
	case OpUpload:
		return target == ErrUploadFailed
	case OpList:
		return target == ErrListFailed
	case OpDelete:
		return target == ErrDeleteFailed
	}
	return false
}

// Timeout reports whether the remote call ran out of time.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
