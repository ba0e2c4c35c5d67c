package dirsync

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrRequiredMissing = errors.New("required path missing")
	ErrPrepareFailed   = errors.New("remote root preparation failed")
	ErrTransferFailed  = errors.New("transfer failed")
	ErrInvalidPlan     = errors.New("invalid sync plan")
)

// SyncError is the fatal error of the sync phase.
type SyncError struct {
	Op      string // plan, prepare, mkdir, put
	Path    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a new SyncError. The cause, when present, is kept
// in the chain alongside the sentinel.
func NewSyncError(op, path string, sentinel, cause error) *SyncError {
	msg := sentinel.Error()
	err := sentinel
	if cause != nil {
		msg = cause.Error()
		err = errors.Join(sentinel, cause)
	}
	return &SyncError{
		Op:      op,
		Path:    path,
		Message: msg,
		Err:     err,
	}
}
