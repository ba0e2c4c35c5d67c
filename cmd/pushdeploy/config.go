package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/shell/deploy"
	"github.com/artpar/pushdeploy/internal/shell/health"
	"github.com/artpar/pushdeploy/internal/shell/process"
	"github.com/artpar/pushdeploy/internal/shell/workers"
	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Target  TargetConfig  `mapstructure:"target"`
	Deploy  DeployConfig  `mapstructure:"deploy"`
	Service ServiceConfig `mapstructure:"service"`
	Health  HealthConfig  `mapstructure:"health"`
	Settle  SettleConfig  `mapstructure:"settle"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Log     LogConfig     `mapstructure:"log"`
}

// TargetConfig holds the remote host and how to authenticate against it.
// Secrets come from the config file or PUSHDEPLOY_TARGET_* variables.
type TargetConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	Passphrase     string        `mapstructure:"passphrase"`
	UseAgent       bool          `mapstructure:"use_agent"`
	HostKeyPolicy  string        `mapstructure:"host_key_policy"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DeployConfig holds what is copied where.
type DeployConfig struct {
	RemoteBasePath string        `mapstructure:"remote_base_path"`
	LocalRoot      string        `mapstructure:"local_root"`
	SyncMode       string        `mapstructure:"sync_mode"`
	RequiredPaths  []string      `mapstructure:"required_paths"`
	OptionalPaths  []string      `mapstructure:"optional_paths"`
	InstallCommand string        `mapstructure:"install_command"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Parallelism    int           `mapstructure:"parallelism"`
}

// ServiceConfig describes the remote service.
type ServiceConfig struct {
	ListeningPort  int               `mapstructure:"listening_port"`
	ProcessPattern string            `mapstructure:"process_pattern"`
	StopPatterns   []string          `mapstructure:"stop_patterns"`
	StartCommand   string            `mapstructure:"start_command"`
	LogPath        string            `mapstructure:"log_path"`
	AnnouncePaths  []string          `mapstructure:"announce_paths"`

	// Env holds NAME=value pairs. A list keeps names case-sensitive; viper
	// lower-cases map keys.
	Env []string `mapstructure:"env"`
}

// HealthConfig holds post-start verification settings.
type HealthConfig struct {
	TimeoutSeconds     int           `mapstructure:"timeout_seconds"`
	Interval           time.Duration `mapstructure:"interval"`
	InitialDelay       time.Duration `mapstructure:"initial_delay"`
	LogTailLines       int           `mapstructure:"log_tail_lines"`
	AcceptableStatuses []int         `mapstructure:"acceptable_statuses"`
	ProbePath          string        `mapstructure:"probe_path"`
}

// SettleConfig holds how long stop waits for the service to go away.
type SettleConfig struct {
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WatchConfig holds watch mode settings.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Ignore   []string      `mapstructure:"ignore"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults. Keys without a default are still declared so that
	// environment variables can supply them.
	v.SetDefault("target.host", "")
	v.SetDefault("target.port", 22)
	v.SetDefault("target.user", "")
	v.SetDefault("target.password", "")
	v.SetDefault("target.private_key_file", "")
	v.SetDefault("target.passphrase", "")
	v.SetDefault("target.use_agent", false)
	v.SetDefault("target.host_key_policy", string(domain.HostKeyKnownHosts))
	v.SetDefault("target.known_hosts_file", "~/.ssh/known_hosts")
	v.SetDefault("target.connect_timeout", "30s")

	v.SetDefault("deploy.remote_base_path", "")
	v.SetDefault("deploy.local_root", ".")
	v.SetDefault("deploy.sync_mode", string(domain.SyncDestructive))
	v.SetDefault("deploy.required_paths", []string{})
	v.SetDefault("deploy.optional_paths", []string{})
	v.SetDefault("deploy.install_command", "")
	v.SetDefault("deploy.timeout", "10m")
	v.SetDefault("deploy.parallelism", 1)

	v.SetDefault("service.listening_port", 0)
	v.SetDefault("service.process_pattern", "")
	v.SetDefault("service.stop_patterns", []string{})
	v.SetDefault("service.start_command", "")
	v.SetDefault("service.log_path", "/tmp/pushdeploy.log")
	v.SetDefault("service.announce_paths", []string{"/"})
	v.SetDefault("service.env", []string{})

	v.SetDefault("health.timeout_seconds", 15)
	v.SetDefault("health.interval", "1s")
	v.SetDefault("health.initial_delay", "1s")
	v.SetDefault("health.log_tail_lines", 15)
	v.SetDefault("health.acceptable_statuses", domain.DefaultAcceptableStatuses)
	v.SetDefault("health.probe_path", "/")

	v.SetDefault("settle.stop_timeout", "10s")
	v.SetDefault("settle.poll_interval", "500ms")

	v.SetDefault("watch.debounce", "500ms")
	v.SetDefault("watch.ignore", []string{".git", "node_modules"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PUSHDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

var (
	ErrHealthTimeoutInvalid = errors.New("health timeout must be positive")
	ErrParallelismInvalid   = errors.New("parallelism must be at least 1")
	ErrLogFormatInvalid     = errors.New("log format must be one of auto, text, json")
	ErrEnvPairInvalid       = errors.New("service env entries must be NAME=value")
)

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, domain.ValidateTarget(c.TargetSpec())...)

	if err := domain.ValidateRemoteRoot(c.Deploy.RemoteBasePath); err != nil {
		errs = append(errs, err)
	}
	if !domain.SyncMode(c.Deploy.SyncMode).IsValid() {
		errs = append(errs, domain.ErrSyncModeInvalid)
	}
	for _, p := range append(append([]string(nil), c.Deploy.RequiredPaths...), c.Deploy.OptionalPaths...) {
		if err := domain.ValidateTopLevelPath(p); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q", err, p))
		}
	}
	if c.Deploy.Parallelism < 1 {
		errs = append(errs, ErrParallelismInvalid)
	}

	if _, err := parseEnv(c.Service.Env); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, domain.ValidateServiceInstance(c.ServiceInstance(), c.Service.StartCommand)...)

	if c.Health.TimeoutSeconds <= 0 {
		errs = append(errs, ErrHealthTimeoutInvalid)
	}

	switch strings.ToLower(c.Log.Format) {
	case "auto", "text", "json":
	default:
		errs = append(errs, ErrLogFormatInvalid)
	}

	return errors.Join(errs...)
}

// ValidateTarget checks only what is needed to connect.
func (c *Config) ValidateTarget() error {
	return errors.Join(domain.ValidateTarget(c.TargetSpec())...)
}

// =============================================================================
// Conversions
// =============================================================================

// TargetSpec returns the remote target.
func (c *Config) TargetSpec() domain.Target {
	return domain.Target{
		Host: c.Target.Host,
		Port: c.Target.Port,
		Credential: domain.Credential{
			User:           c.Target.User,
			Password:       c.Target.Password,
			PrivateKeyFile: c.Target.PrivateKeyFile,
			Passphrase:     c.Target.Passphrase,
			UseAgent:       c.Target.UseAgent,
		},
		ConnectTimeout: c.Target.ConnectTimeout,
		HostKey: domain.HostKeyConfig{
			Policy:         domain.HostKeyPolicy(c.Target.HostKeyPolicy),
			KnownHostsFile: c.Target.KnownHostsFile,
		},
	}
}

// ServiceInstance returns the service the deployment replaces. It runs from
// the remote base path. Malformed env entries are dropped; Validate reports them.
func (c *Config) ServiceInstance() domain.ServiceInstance {
	env, _ := parseEnv(c.Service.Env)
	return domain.ServiceInstance{
		ProcessPattern: c.Service.ProcessPattern,
		StopPatterns:   c.Service.StopPatterns,
		BoundPort:      c.Service.ListeningPort,
		LogPath:        c.Service.LogPath,
		WorkDir:        c.Deploy.RemoteBasePath,
		Env:            env,
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	var bad []string
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			bad = append(bad, p)
			continue
		}
		env[name] = value
	}
	if len(bad) > 0 {
		return env, fmt.Errorf("%w: %q", ErrEnvPairInvalid, bad)
	}
	return env, nil
}

// OrchestratorConfig returns the input of one deployment run.
func (c *Config) OrchestratorConfig() deploy.Config {
	return deploy.Config{
		Target:         c.TargetSpec(),
		RemoteRoot:     c.Deploy.RemoteBasePath,
		SyncMode:       domain.SyncMode(c.Deploy.SyncMode),
		RequiredPaths:  c.Deploy.RequiredPaths,
		OptionalPaths:  c.Deploy.OptionalPaths,
		InstallCommand: c.Deploy.InstallCommand,
		Service:        c.ServiceInstance(),
		StartCommand:   c.Service.StartCommand,
		AnnouncePaths:  c.Service.AnnouncePaths,
		Timeout:        c.Deploy.Timeout,
	}
}

// VerifierConfig returns the health verifier settings.
func (c *Config) VerifierConfig() health.Config {
	return health.Config{
		Timeout:            time.Duration(c.Health.TimeoutSeconds) * time.Second,
		Interval:           c.Health.Interval,
		InitialDelay:       c.Health.InitialDelay,
		ProbePath:          c.Health.ProbePath,
		LogTailLines:       c.Health.LogTailLines,
		AcceptableStatuses: c.Health.AcceptableStatuses,
	}
}

// ControllerConfig returns the stop settle settings.
func (c *Config) ControllerConfig() process.SettleConfig {
	return process.SettleConfig{
		StopTimeout:  c.Settle.StopTimeout,
		PollInterval: c.Settle.PollInterval,
	}
}

// WatcherConfig returns the watch worker settings.
func (c *Config) WatcherConfig() workers.WatcherConfig {
	return workers.WatcherConfig{
		Debounce: c.Watch.Debounce,
		Ignore:   c.Watch.Ignore,
	}
}

// WatchPaths returns the local paths whose changes trigger a redeploy.
func (c *Config) WatchPaths() []string {
	return append(append([]string(nil), c.Deploy.RequiredPaths...), c.Deploy.OptionalPaths...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger writing to stderr with the configured level
// and format. The auto format is text on a terminal and JSON otherwise.
func SetupLogger(cfg *Config) *slog.Logger {
	fd := os.Stderr.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return slog.New(newHandler(cfg.Log, os.Stderr, tty))
}

func newHandler(cfg LogConfig, w io.Writer, tty bool) slog.Handler {
	level := parseLevel(cfg.Level)

	format := strings.ToLower(cfg.Format)
	if format == "auto" || format == "" {
		format = "json"
		if tty {
			format = "text"
		}
	}

	if format == "text" {
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
