package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// =============================================================================
// Execution Primitives
// =============================================================================

// Strict runs cmd and fails on a transport error or a non-zero exit.
// A non-zero exit is returned as *CommandError wrapping ErrCommandFailed.
func Strict(ctx context.Context, ex Executor, cmd string) (ExecResult, error) {
	res, err := ex.Exec(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("exec %q: %w", cmd, err)
	}
	if !res.OK() {
		out := bytes.TrimSpace(res.Stderr)
		if len(out) == 0 {
			out = bytes.TrimSpace(res.Stdout)
		}
		return res, &CommandError{
			Command:    cmd,
			ExitStatus: res.ExitStatus,
			Output:     string(out),
			Err:        ErrCommandFailed,
		}
	}
	return res, nil
}

// Tolerant runs cmd and never fails. Transport errors and non-zero exits are
// logged at debug level and the captured output, possibly empty, is returned.
func Tolerant(ctx context.Context, ex Executor, cmd string, logger *slog.Logger) ExecResult {
	res, err := ex.Exec(ctx, cmd)
	if err != nil {
		logger.Debug("tolerated command error", "command", cmd, "error", err)
		return ExecResult{ExitStatus: -1}
	}
	if !res.OK() {
		logger.Debug("tolerated non-zero exit",
			"command", cmd,
			"exit_status", res.ExitStatus,
			"stderr", string(bytes.TrimSpace(res.Stderr)),
		)
	}
	return res
}
