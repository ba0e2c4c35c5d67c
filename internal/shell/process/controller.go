// Package process stops and starts the deployed service on the remote host.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/remote"
)

// ErrSettleTimeout is returned by Stop when matching processes or a
// listener on the bound port survive the settle window.
var ErrSettleTimeout = errors.New("service did not stop within the settle timeout")

// SettleConfig configures how Stop waits for the old instance to go away.
type SettleConfig struct {
	// StopTimeout bounds the wait after termination signals.
	// Default: 10 seconds.
	StopTimeout time.Duration

	// PollInterval is the time between occupancy checks.
	// Default: 500 milliseconds.
	PollInterval time.Duration
}

// DefaultSettleConfig returns the default configuration.
func DefaultSettleConfig() SettleConfig {
	return SettleConfig{
		StopTimeout:  10 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Controller runs the stop and start phases.
type Controller struct {
	config SettleConfig
	logger *slog.Logger
}

// NewController creates a new process controller.
func NewController(config SettleConfig, logger *slog.Logger) *Controller {
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config: config,
		logger: logger.With("component", "process"),
	}
}

// =============================================================================
// Stop
// =============================================================================

// Stop terminates every process matching the instance patterns and frees the
// bound port, then waits until nothing matches and nothing listens. Failing
// termination commands are tolerated. The only errors are ErrSettleTimeout
// and context cancellation.
func (c *Controller) Stop(ctx context.Context, ex remote.Executor, inst domain.ServiceInstance) error {
	patterns := inst.AllPatterns()

	for _, p := range patterns {
		remote.Tolerant(ctx, ex, shellcmd.Terminate(p), c.logger)
	}
	if inst.BoundPort > 0 {
		remote.Tolerant(ctx, ex, shellcmd.FreePort(inst.BoundPort), c.logger)
	}

	remaining, err := c.waitUntilFree(ctx, ex, inst, patterns)
	if err != nil {
		c.logger.Warn("service still present after stop",
			"patterns", patterns,
			"port", inst.BoundPort,
			"remaining", remaining,
		)
		return err
	}
	c.logger.Info("service stopped", "patterns", patterns, "port", inst.BoundPort)
	return nil
}

// waitUntilFree polls occupancy. Halfway through the window, survivors are
// sent SIGKILL.
func (c *Controller) waitUntilFree(ctx context.Context, ex remote.Executor, inst domain.ServiceInstance, patterns []string) (string, error) {
	check := shellcmd.Occupancy(patterns, inst.BoundPort)
	deadline := time.Now().Add(c.config.StopTimeout)
	escalateAt := time.Now().Add(c.config.StopTimeout / 2)
	var escalate sync.Once

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		res := remote.Tolerant(ctx, ex, check, c.logger)
		remaining := strings.TrimSpace(res.Output())
		if res.OK() && remaining == "" {
			return "", nil
		}

		now := time.Now()
		if now.After(deadline) {
			return remaining, fmt.Errorf("%w (%s)", ErrSettleTimeout, c.config.StopTimeout)
		}
		if now.After(escalateAt) {
			escalate.Do(func() {
				c.logger.Debug("escalating to SIGKILL", "patterns", patterns)
				for _, p := range patterns {
					remote.Tolerant(ctx, ex, shellcmd.Kill(p), c.logger)
				}
			})
		}

		select {
		case <-ctx.Done():
			return remaining, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Start
// =============================================================================

// Start launches command detached in the instance work directory with the
// instance environment, output going to the instance log. It returns once
// the process is spawned and does not check liveness.
func (c *Controller) Start(ctx context.Context, ex remote.Executor, inst domain.ServiceInstance, command string) error {
	cmd := shellcmd.StartDetached(inst.WorkDir, inst.EnvPairs(), command, inst.LogPath)
	if _, err := remote.Strict(ctx, ex, cmd); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	c.logger.Info("service launched",
		"command", command,
		"work_dir", inst.WorkDir,
		"log", inst.LogPath,
		"port", inst.BoundPort,
	)
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Lifecycle tracks the state of the service instance through one run.
type Lifecycle struct {
	mu    sync.Mutex
	state domain.LifecycleState
}

// NewLifecycle starts in the unknown state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: domain.LifecycleUnknown}
}

// State returns the current state.
func (l *Lifecycle) State() domain.LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to state to, or returns domain.ErrInvalidTransition.
func (l *Lifecycle) Transition(to domain.LifecycleState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := domain.ValidateLifecycleTransition(l.state, to); err != nil {
		return err
	}
	l.state = to
	return nil
}
