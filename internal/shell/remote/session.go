// Package remote provides the authenticated channel to the deployment host:
// command execution over SSH, file transfer over SFTP, and TCP tunnelling
// for probes against services bound to the remote loopback interface.
package remote

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/artpar/pushdeploy/internal/core/domain"
)

// =============================================================================
// Interfaces
// =============================================================================

// Executor runs shell commands on the remote host.
type Executor interface {
	// Exec runs cmd to completion. A non-zero exit is reported in the result,
	// not as an error; the error is reserved for transport failures.
	Exec(ctx context.Context, cmd string) (ExecResult, error)
}

// Session is an open, authenticated connection to one remote host.
// Implementations are safe for concurrent use.
type Session interface {
	Executor

	// Put writes r to remotePath, creating or truncating it.
	Put(ctx context.Context, remotePath string, r io.Reader) error

	// Stat reports whether remotePath exists.
	Stat(ctx context.Context, remotePath string) (bool, error)

	// Mkdir creates a single directory. The parent must exist.
	// An existing directory yields an error wrapping fs.ErrExist.
	Mkdir(ctx context.Context, remotePath string) error

	// DialContext opens a TCP connection from the remote host.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)

	// Host returns the remote host name.
	Host() string

	// Close releases the connection. Calling Close more than once is a no-op.
	Close() error
}

// Dialer acquires sessions.
type Dialer interface {
	// Dial opens a session. Failures are *ConnectionError. A dialer may
	// return a partially opened session together with an error; callers
	// must still close it.
	Dial(ctx context.Context, target domain.Target) (Session, error)
}

// =============================================================================
// Exec Result
// =============================================================================

// ExecResult is the captured outcome of one remote command.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// OK reports whether the command exited zero.
func (r ExecResult) OK() bool {
	return r.ExitStatus == 0
}

// Output returns stdout with surrounding whitespace removed.
func (r ExecResult) Output() string {
	return string(bytes.TrimSpace(r.Stdout))
}

// Combined returns stdout followed by stderr.
func (r ExecResult) Combined() string {
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	if len(r.Stdout) == 0 {
		return string(r.Stderr)
	}
	return string(r.Stdout) + "\n" + string(r.Stderr)
}
