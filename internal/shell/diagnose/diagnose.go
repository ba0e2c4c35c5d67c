// Package diagnose runs read-only troubleshooting checks against the remote
// host and opens the service port in its firewall.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/remote"
)

// ErrRuleNotVisible is returned when the firewall accepted the rule but the
// status listing does not show it.
var ErrRuleNotVisible = errors.New("firewall rule not visible after reload")

// Section is the output of one diagnostic check.
type Section struct {
	Title      string `json:"title" yaml:"title"`
	Command    string `json:"command" yaml:"command"`
	Output     string `json:"output" yaml:"output"`
	ExitStatus int    `json:"exit_status" yaml:"exit_status"`
}

// Runner executes diagnostics over a remote executor.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a new diagnostics runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "diagnose")}
}

// =============================================================================
// Diagnose
// =============================================================================

// Diagnose runs every check in order. Checks never fail the run; a check
// that could not execute reports exit status -1 and empty output.
// Cancelling ctx stops before the next check.
func (r *Runner) Diagnose(ctx context.Context, ex remote.Executor, p shellcmd.DiagnosticParams) []Section {
	checks := shellcmd.Diagnostics(p)
	sections := make([]Section, 0, len(checks))

	for _, c := range checks {
		if ctx.Err() != nil {
			r.logger.Warn("diagnostics interrupted", "remaining", len(checks)-len(sections))
			break
		}
		res := remote.Tolerant(ctx, ex, c.Command, r.logger)
		sections = append(sections, Section{
			Title:      c.Title,
			Command:    c.Command,
			Output:     strings.TrimSpace(res.Combined()),
			ExitStatus: res.ExitStatus,
		})
	}

	r.logger.Info("diagnostics complete", "checks", len(sections))
	return sections
}

// =============================================================================
// Open Port
// =============================================================================

// OpenPort allows inbound TCP on port and reloads the firewall, then lists
// the matching rules. Allowing the rule is strict; the listing is only a
// confirmation, so a missing rule is reported as ErrRuleNotVisible with the
// listing output returned as is.
func (r *Runner) OpenPort(ctx context.Context, ex remote.Executor, port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", domain.ErrListeningPortInvalid
	}

	r.logger.Info("opening firewall port", "port", port)
	if _, err := remote.Strict(ctx, ex, shellcmd.FirewallAllow(port)); err != nil {
		return "", fmt.Errorf("open port %d: %w", port, err)
	}

	res := remote.Tolerant(ctx, ex, shellcmd.FirewallVerify(port), r.logger)
	rules := res.Output()
	if !res.OK() || rules == "" {
		r.logger.Warn("firewall rule not listed", "port", port, "exit_status", res.ExitStatus)
		return rules, ErrRuleNotVisible
	}
	return rules, nil
}
