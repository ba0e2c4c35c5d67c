// Package main provides the entry point for the pushdeploy CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/deploy"
	"github.com/artpar/pushdeploy/internal/shell/diagnose"
	"github.com/artpar/pushdeploy/internal/shell/dirsync"
	"github.com/artpar/pushdeploy/internal/shell/health"
	"github.com/artpar/pushdeploy/internal/shell/process"
	"github.com/artpar/pushdeploy/internal/shell/remote"
	"github.com/artpar/pushdeploy/internal/shell/ui"
	"github.com/artpar/pushdeploy/internal/shell/workers"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitAborted     = 1
	ExitDegraded    = 2
	ExitConfigError = 3
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func configError(err error) error {
	return &exitError{code: ExitConfigError, err: fmt.Errorf("configuration error: %w", err)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, err)
	return ExitConfigError
}

// =============================================================================
// Commands
// =============================================================================

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pushdeploy",
		Short:         "Push a local project to a remote host and restart its service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to config file")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().StringP("output", "o", "text", "Output format: text, json or yaml")

	root.AddCommand(newDeployCmd())
	root.AddCommand(newDiagnoseCmd())
	root.AddCommand(newOpenPortCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Sync the project, restart the service and verify it",
		Args:  cobra.NoArgs,
		RunE:  runDeploy,
	}
	cmd.Flags().Bool("watch", false, "Redeploy whenever local files change")
	return cmd
}

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Inspect processes, ports, firewall and logs on the remote host",
		Args:  cobra.NoArgs,
		RunE:  runDiagnose,
	}
}

func newOpenPortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open-port",
		Short: "Allow the service port through the remote firewall",
		Args:  cobra.NoArgs,
		RunE:  runOpenPort,
	}
	cmd.Flags().Int("port", 0, "Port to open (default: service.listening_port)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pushdeploy %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Command Setup
// =============================================================================

// env is what every remote command needs.
type env struct {
	cfg    *Config
	logger *slog.Logger
	format ui.Format
}

func setup(cmd *cobra.Command) (*env, error) {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	output, _ := cmd.Flags().GetString("output")

	format, err := ui.ParseFormat(output)
	if err != nil {
		return nil, configError(err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, configError(err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger := SetupLogger(cfg)
	logger.Debug("configuration loaded", "config", configPath, "host", cfg.Target.Host)
	return &env{cfg: cfg, logger: logger, format: format}, nil
}

// signalContext is cancelled on interrupt or termination.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newOrchestrator(e *env) *deploy.Orchestrator {
	cfg := e.cfg
	return deploy.NewOrchestrator(
		remote.NewSSHDialer(e.logger),
		dirsync.NewSyncer(osfs.New(cfg.Deploy.LocalRoot), cfg.Deploy.Parallelism, e.logger),
		process.NewController(cfg.ControllerConfig(), e.logger),
		health.NewVerifier(cfg.VerifierConfig(), e.logger),
		e.logger,
	)
}

// outcomeError maps a finished report to the process exit code.
func outcomeError(report *domain.DeploymentReport) error {
	switch report.Outcome {
	case domain.OutcomeSuccess:
		return nil
	case domain.OutcomeDegraded:
		return &exitError{code: ExitDegraded}
	default:
		return &exitError{code: ExitAborted}
	}
}

// =============================================================================
// Deploy
// =============================================================================

func runDeploy(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := e.cfg.Validate(); err != nil {
		return configError(err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	orch := newOrchestrator(e)
	runCfg := e.cfg.OrchestratorConfig()
	out := cmd.OutOrStdout()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return watchAndDeploy(ctx, e, orch, runCfg, out)
	}

	e.logger.Info("starting deployment", "version", Version, "host", runCfg.Target.Host)
	report := orch.Run(ctx, runCfg)
	if err := ui.WriteReport(out, report, e.format); err != nil {
		return err
	}
	return outcomeError(report)
}

func watchAndDeploy(ctx context.Context, e *env, orch *deploy.Orchestrator, runCfg deploy.Config, out io.Writer) error {
	w := workers.NewWatcher(
		e.cfg.Deploy.LocalRoot,
		e.cfg.WatchPaths(),
		func(ctx context.Context) *domain.DeploymentReport {
			return orch.Run(ctx, runCfg)
		},
		func(report *domain.DeploymentReport) {
			if err := ui.WriteReport(out, report, e.format); err != nil {
				e.logger.Error("failed to write report", "error", err)
			}
		},
		e.cfg.WatcherConfig(),
		e.logger,
	)
	if err := w.Start(); err != nil {
		return &exitError{code: ExitAborted, err: err}
	}

	<-ctx.Done()
	w.Stop()
	return nil
}

// =============================================================================
// Diagnose
// =============================================================================

func runDiagnose(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := e.cfg.ValidateTarget(); err != nil {
		return configError(err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	sess, err := dial(ctx, e)
	if err != nil {
		return err
	}
	defer sess.Close()

	sections := diagnose.NewRunner(e.logger).Diagnose(ctx, sess, shellcmd.DiagnosticParams{
		ProcessPattern: e.cfg.Service.ProcessPattern,
		Port:           e.cfg.Service.ListeningPort,
		RemoteRoot:     e.cfg.Deploy.RemoteBasePath,
		LogPath:        e.cfg.Service.LogPath,
		LogLines:       e.cfg.Health.LogTailLines,
	})
	return ui.WriteDiagnostics(cmd.OutOrStdout(), sess.Host(), sections, e.format)
}

// =============================================================================
// Open Port
// =============================================================================

func runOpenPort(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := e.cfg.ValidateTarget(); err != nil {
		return configError(err)
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = e.cfg.Service.ListeningPort
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	sess, err := dial(ctx, e)
	if err != nil {
		return err
	}
	defer sess.Close()

	rules, err := diagnose.NewRunner(e.logger).OpenPort(ctx, sess, port)
	switch {
	case errors.Is(err, domain.ErrListeningPortInvalid):
		return configError(err)
	case errors.Is(err, diagnose.ErrRuleNotVisible):
		fmt.Fprintf(cmd.OutOrStdout(), "port %d allowed, but no matching rule is listed\n", port)
		return &exitError{code: ExitDegraded}
	case err != nil:
		return &exitError{code: ExitAborted, err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "port %d open\n%s\n", port, rules)
	return nil
}

// dial opens a session, closing any partial session on failure.
func dial(ctx context.Context, e *env) (remote.Session, error) {
	sess, err := remote.NewSSHDialer(e.logger).Dial(ctx, e.cfg.TargetSpec())
	if err != nil {
		if sess != nil {
			sess.Close()
		}
		return nil, &exitError{code: ExitAborted, err: err}
	}
	return sess, nil
}
