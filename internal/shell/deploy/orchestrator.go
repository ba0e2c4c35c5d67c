// Package deploy sequences one deployment run against a remote host.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/pushdeploy/internal/core/deployment"
	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/monitoring"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/dirsync"
	"github.com/artpar/pushdeploy/internal/shell/health"
	"github.com/artpar/pushdeploy/internal/shell/process"
	"github.com/artpar/pushdeploy/internal/shell/remote"
)

// ErrDeploymentTimeout is the abort cause when the overall run deadline passes.
var ErrDeploymentTimeout = errors.New("deployment timed out")

// installExcerptBytes is how much failed install output is logged.
const installExcerptBytes = 500

// Config is the input of one deployment run.
type Config struct {
	Target domain.Target

	RemoteRoot    string
	SyncMode      domain.SyncMode
	RequiredPaths []string
	OptionalPaths []string

	// InstallCommand runs in RemoteRoot after sync. Empty skips the phase.
	InstallCommand string

	Service      domain.ServiceInstance
	StartCommand string

	// AnnouncePaths become the URLs listed in the report.
	AnnouncePaths []string

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs acquire, stop, sync, install, start, health and release.
type Orchestrator struct {
	dialer   remote.Dialer
	syncer   *dirsync.Syncer
	process  *process.Controller
	verifier *health.Verifier
	logger   *slog.Logger
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(
	dialer remote.Dialer,
	syncer *dirsync.Syncer,
	controller *process.Controller,
	verifier *health.Verifier,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		dialer:   dialer,
		syncer:   syncer,
		process:  controller,
		verifier: verifier,
		logger:   logger.With("component", "orchestrator"),
	}
}

// run carries the state of one deployment.
type run struct {
	cfg       Config
	report    *domain.DeploymentReport
	lifecycle *process.Lifecycle
	lease     *lease
	parent    context.Context
	ctx       context.Context
	logger    *slog.Logger
}

// Run executes one deployment and always returns a report. The session, if
// one was acquired, is released exactly once before Run returns, whatever
// phase failed.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) *domain.DeploymentReport {
	r := &run{
		cfg:       cfg,
		report:    domain.NewDeploymentReport(cfg.Target.Host),
		lifecycle: process.NewLifecycle(),
		parent:    ctx,
		logger:    o.logger,
	}
	r.logger = o.logger.With("run_id", r.report.RunID, "host", cfg.Target.Host)

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	r.ctx = runCtx

	r.logger.Info("deployment started",
		"remote_root", cfg.RemoteRoot,
		"sync_mode", cfg.SyncMode,
		"port", cfg.Service.BoundPort,
	)

	o.execute(r)
	r.report.Finish()

	r.logger.Info("deployment finished",
		"outcome", r.report.Outcome,
		"duration", r.report.Duration(),
		"warnings", len(r.report.Warnings),
	)
	return r.report
}

func (o *Orchestrator) execute(r *run) {
	cfg := r.cfg

	// The plan is local; building it first keeps a missing required path
	// from stopping the running service.
	plan, err := o.syncer.Plan(cfg.RemoteRoot, cfg.SyncMode, cfg.RequiredPaths, cfg.OptionalPaths)
	if err != nil {
		r.fail(domain.PhaseSync, err, time.Now())
		return
	}

	// 1. Acquire
	start := time.Now()
	sess, err := o.dialer.Dial(r.ctx, cfg.Target)
	r.lease = newLease(sess)
	defer o.release(r)
	if err != nil {
		r.fail(domain.PhaseAcquire, err, start)
		return
	}
	r.report.Record(domain.PhaseAcquire, domain.PhaseOK, "", time.Since(start))

	// 2. Stop
	start = time.Now()
	if err := o.process.Stop(r.ctx, sess, cfg.Service); err != nil {
		if r.fail(domain.PhaseStop, err, start) {
			return
		}
	} else {
		r.report.Record(domain.PhaseStop, domain.PhaseOK, "", time.Since(start))
	}
	r.transition(domain.LifecycleStopped)

	// 3. Sync
	start = time.Now()
	if err := o.syncer.Prepare(r.ctx, sess, cfg.RemoteRoot, cfg.SyncMode); err != nil {
		r.fail(domain.PhaseSync, err, start)
		return
	}
	res, err := o.syncer.Sync(r.ctx, sess, plan)
	if err != nil {
		r.fail(domain.PhaseSync, err, start)
		return
	}
	r.report.Record(domain.PhaseSync, domain.PhaseOK,
		fmt.Sprintf("%d files, %d bytes", res.FilesTransferred(), res.BytesTransferred()),
		time.Since(start))

	// 4. Install
	if cfg.InstallCommand != "" {
		start = time.Now()
		out := remote.Tolerant(r.ctx, sess, shellcmd.RunIn(cfg.RemoteRoot, cfg.InstallCommand), r.logger)
		switch {
		case r.expired():
			r.report.Record(domain.PhaseInstall, domain.PhaseFailed, "timed out", time.Since(start))
			r.abort(domain.PhaseInstall, r.ctx.Err())
			return
		case !out.OK():
			excerpt := monitoring.Excerpt(out.Combined(), installExcerptBytes)
			r.logger.Warn("install command failed",
				"command", cfg.InstallCommand,
				"exit_status", out.ExitStatus,
				"output", excerpt,
			)
			detail := fmt.Sprintf("exit status %d", out.ExitStatus)
			r.report.Record(domain.PhaseInstall, domain.PhaseWarning, detail, time.Since(start))
			r.report.Warn("install: " + detail)
		default:
			r.report.Record(domain.PhaseInstall, domain.PhaseOK, "", time.Since(start))
		}
	}

	// 5. Start
	start = time.Now()
	r.transition(domain.LifecycleStarting)
	if err := o.process.Start(r.ctx, sess, cfg.Service, cfg.StartCommand); err != nil {
		r.fail(domain.PhaseStart, err, start)
		return
	}
	r.report.Record(domain.PhaseStart, domain.PhaseOK, "", time.Since(start))

	// 6. Health
	start = time.Now()
	result := o.verifier.Check(r.ctx, sess, cfg.Service)
	r.report.Health = &result
	if !result.IsHealthy() && r.expired() {
		r.report.Record(domain.PhaseHealth, domain.PhaseFailed, "timed out", time.Since(start))
		r.abort(domain.PhaseHealth, r.ctx.Err())
		return
	}
	status := domain.PhaseOK
	if !result.IsHealthy() {
		status = domain.PhaseWarning
	}
	r.report.Record(domain.PhaseHealth, status, monitoring.HealthMessage(result), time.Since(start))
	r.transition(deployment.LifecycleAfterHealth(result.Outcome))

	r.report.Outcome = deployment.OutcomeFor(result.Outcome)
	r.report.URLs = deployment.ServiceURLs(cfg.Target.Host, cfg.Service.BoundPort, cfg.AnnouncePaths)
	if result.IsHealthy() {
		r.report.Message = fmt.Sprintf("deployed to %s; service is healthy", cfg.Target.Host)
	} else {
		r.report.Message = fmt.Sprintf("deployed to %s; service could not be confirmed healthy", cfg.Target.Host)
	}
}

// release closes the session once and records the release phase.
func (o *Orchestrator) release(r *run) {
	if r.lease.empty() {
		return
	}
	start := time.Now()
	if err := r.lease.release(); err != nil {
		r.logger.Warn("failed to release session", "error", err)
		r.report.Record(domain.PhaseRelease, domain.PhaseWarning, err.Error(), time.Since(start))
		r.report.Warn("release: " + err.Error())
		return
	}
	r.report.Record(domain.PhaseRelease, domain.PhaseOK, "", time.Since(start))
}

// =============================================================================
// Run Helpers
// =============================================================================

// expired reports whether the run deadline, not the caller, ended the context.
func (r *run) expired() bool {
	return errors.Is(r.ctx.Err(), context.DeadlineExceeded) && r.parent.Err() == nil
}

// fail records a phase error. Fatal phases, and any phase once the run
// deadline has passed, abort the run; fail reports whether it did.
func (r *run) fail(phase domain.Phase, err error, start time.Time) bool {
	if deployment.IsFatalPhase(phase) || r.expired() {
		r.report.Record(phase, domain.PhaseFailed, err.Error(), time.Since(start))
		r.abort(phase, err)
		return true
	}
	r.report.Record(phase, domain.PhaseWarning, err.Error(), time.Since(start))
	r.report.Warn(string(phase) + ": " + err.Error())
	return false
}

// abort marks the report aborted. Deadline expiry is reported as
// ErrDeploymentTimeout whatever the phase error was.
func (r *run) abort(phase domain.Phase, err error) {
	if r.expired() {
		err = fmt.Errorf("%w during %s: %w", ErrDeploymentTimeout, phase, err)
	}
	r.report.Abort(fmt.Sprintf("deployment aborted during %s", phase), err)
	r.skipRemaining(phase)
	r.logger.Error("deployment aborted", "phase", phase, "error", err)
}

// skipRemaining records every planned phase after phase as skipped.
func (r *run) skipRemaining(phase domain.Phase) {
	after := false
	for _, p := range deployment.PlanPhases(r.cfg.InstallCommand != "") {
		if p == domain.PhaseRelease {
			continue
		}
		if after {
			r.report.Record(p, domain.PhaseSkipped, "", 0)
		}
		if p == phase {
			after = true
		}
	}
}

func (r *run) transition(to domain.LifecycleState) {
	if err := r.lifecycle.Transition(to); err != nil {
		r.logger.Warn("unexpected lifecycle transition", "from", r.lifecycle.State(), "to", to, "error", err)
		return
	}
	r.logger.Debug("lifecycle", "state", to)
}

// =============================================================================
// Lease
// =============================================================================

// lease owns a session and releases it at most once.
type lease struct {
	sess remote.Session
	once sync.Once
	err  error
}

func newLease(sess remote.Session) *lease {
	return &lease{sess: sess}
}

func (l *lease) empty() bool {
	return l == nil || l.sess == nil
}

func (l *lease) release() error {
	l.once.Do(func() {
		l.err = l.sess.Close()
	})
	return l.err
}
