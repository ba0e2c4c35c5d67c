package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Connection errors
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnreachable     = errors.New("host unreachable")
	ErrConnectTimeout  = errors.New("connection timed out")
	ErrHostKeyRejected = errors.New("host key rejected")

	// Execution errors
	ErrCommandFailed = errors.New("command exited with non-zero status")
	ErrSessionClosed = errors.New("session is closed")
)

// ConnectionError is returned when a session cannot be acquired.
// Err is always one of the connection sentinels above.
type ConnectionError struct {
	Op      string // dial, handshake, sftp, auth
	Host    string
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Host, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(op, host, message string, err error) *ConnectionError {
	return &ConnectionError{
		Op:      op,
		Host:    host,
		Message: message,
		Err:     err,
	}
}

// CommandError is returned by Strict when a command exits non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Output     string // stderr, or stdout when stderr is empty
	Err        error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitStatus, e.Output)
	}
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitStatus)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Classification
// =============================================================================

// classifyDialError maps a TCP dial or SSH handshake failure to a sentinel.
func classifyDialError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrConnectTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrConnectTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return ErrAuthFailed
	case strings.Contains(msg, "i/o timeout"):
		return ErrConnectTimeout
	}
	return ErrUnreachable
}
