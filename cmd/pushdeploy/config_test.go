package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
target:
  host: "203.0.113.10"
  user: "ubuntu"
  private_key_file: "~/.ssh/id_ed25519"
  host_key_policy: "tofu"

deploy:
  remote_base_path: "/home/ubuntu/gamble"
  local_root: "./project"
  sync_mode: "incremental"
  required_paths: ["server", "package.json"]
  optional_paths: ["public"]
  install_command: "npm ci --omit=dev"
  timeout: 5m
  parallelism: 4

service:
  listening_port: 4175
  process_pattern: "node server/index.js"
  stop_patterns: ["npm start"]
  start_command: "node server/index.js"
  log_path: "/tmp/gamble.log"
  env: ["NODE_ENV=production", "TZ=UTC"]
  announce_paths: ["/", "/dealer"]

health:
  timeout_seconds: 30
  interval: 2s
  acceptable_statuses: [200, 204]
  probe_path: "/healthz"

settle:
  stop_timeout: 20s

log:
  level: "debug"
  format: "text"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pushdeploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Target.Port)
	assert.Equal(t, "known_hosts", cfg.Target.HostKeyPolicy)
	assert.Equal(t, "~/.ssh/known_hosts", cfg.Target.KnownHostsFile)
	assert.Equal(t, 30*time.Second, cfg.Target.ConnectTimeout)
	assert.Equal(t, ".", cfg.Deploy.LocalRoot)
	assert.Equal(t, "destructive", cfg.Deploy.SyncMode)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 1, cfg.Deploy.Parallelism)
	assert.Equal(t, "/tmp/pushdeploy.log", cfg.Service.LogPath)
	assert.Equal(t, []string{"/"}, cfg.Service.AnnouncePaths)
	assert.Equal(t, 15, cfg.Health.TimeoutSeconds)
	assert.Equal(t, time.Second, cfg.Health.Interval)
	assert.Equal(t, 15, cfg.Health.LogTailLines)
	assert.Equal(t, []int{200, 302, 304}, cfg.Health.AcceptableStatuses)
	assert.Equal(t, "/", cfg.Health.ProbePath)
	assert.Equal(t, 10*time.Second, cfg.Settle.StopTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Settle.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.10", cfg.Target.Host)
	assert.Equal(t, "tofu", cfg.Target.HostKeyPolicy)
	assert.Equal(t, "incremental", cfg.Deploy.SyncMode)
	assert.Equal(t, []string{"server", "package.json"}, cfg.Deploy.RequiredPaths)
	assert.Equal(t, 5*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 4, cfg.Deploy.Parallelism)
	assert.Equal(t, 4175, cfg.Service.ListeningPort)
	assert.Equal(t, []string{"NODE_ENV=production", "TZ=UTC"}, cfg.Service.Env)
	assert.Equal(t, 30, cfg.Health.TimeoutSeconds)
	assert.Equal(t, []int{200, 204}, cfg.Health.AcceptableStatuses)
	assert.Equal(t, 20*time.Second, cfg.Settle.StopTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("PUSHDEPLOY_TARGET_HOST", "198.51.100.7")
	t.Setenv("PUSHDEPLOY_TARGET_PASSWORD", "s3cret")
	t.Setenv("PUSHDEPLOY_DEPLOY_SYNC_MODE", "incremental")
	t.Setenv("PUSHDEPLOY_HEALTH_TIMEOUT_SECONDS", "45")
	t.Setenv("PUSHDEPLOY_LOG_FORMAT", "json")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.7", cfg.Target.Host)
	assert.Equal(t, "s3cret", cfg.Target.Password)
	assert.Equal(t, "incremental", cfg.Deploy.SyncMode)
	assert.Equal(t, 45, cfg.Health.TimeoutSeconds)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/pushdeploy.yaml")
	require.NoError(t, err) // Should not error, just use defaults

	assert.Equal(t, 22, cfg.Target.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(writeConfig(t, "invalid: yaml: content: [[["))
	assert.Error(t, err)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing host", func(c *Config) { c.Target.Host = "" }, domain.ErrSSHHostRequired},
		{"no credential", func(c *Config) { c.Target.PrivateKeyFile = "" }, domain.ErrCredentialRequired},
		{"unknown host key policy", func(c *Config) { c.Target.HostKeyPolicy = "yolo" }, domain.ErrHostKeyPolicyInvalid},
		{"root remote path", func(c *Config) { c.Deploy.RemoteBasePath = "/" }, domain.ErrRemoteRootTooShallow},
		{"relative remote path", func(c *Config) { c.Deploy.RemoteBasePath = "gamble" }, domain.ErrRemoteRootNotAbs},
		{"bad sync mode", func(c *Config) { c.Deploy.SyncMode = "mirror" }, domain.ErrSyncModeInvalid},
		{"escaping path", func(c *Config) { c.Deploy.OptionalPaths = []string{"../secrets"} }, domain.ErrTopLevelPathInvalid},
		{"zero parallelism", func(c *Config) { c.Deploy.Parallelism = 0 }, ErrParallelismInvalid},
		{"missing port", func(c *Config) { c.Service.ListeningPort = 0 }, domain.ErrListeningPortInvalid},
		{"missing start command", func(c *Config) { c.Service.StartCommand = " " }, domain.ErrStartCommandRequired},
		{"missing pattern", func(c *Config) { c.Service.ProcessPattern = "" }, domain.ErrProcessPatternRequired},
		{"bad health timeout", func(c *Config) { c.Health.TimeoutSeconds = 0 }, ErrHealthTimeoutInvalid},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, ErrLogFormatInvalid},
		{"malformed env", func(c *Config) { c.Service.Env = []string{"NODE_ENV"} }, ErrEnvPairInvalid},
		{"bad env name", func(c *Config) { c.Service.Env = []string{"1X=y"} }, domain.ErrEnvNameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, validConfig))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAllProblems(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSSHHostRequired)
	assert.ErrorIs(t, err, domain.ErrRemoteRootRequired)
	assert.ErrorIs(t, err, domain.ErrStartCommandRequired)
}

// =============================================================================
// Conversion Tests
// =============================================================================

func TestConfig_OrchestratorConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	run := cfg.OrchestratorConfig()
	assert.Equal(t, "203.0.113.10:22", run.Target.Address())
	assert.Equal(t, domain.HostKeyTOFU, run.Target.HostKey.Policy)
	assert.Equal(t, domain.SyncIncremental, run.SyncMode)
	assert.Equal(t, "/home/ubuntu/gamble", run.Service.WorkDir)
	assert.Equal(t, 4175, run.Service.BoundPort)
	assert.Equal(t, []string{"node server/index.js", "npm start"}, run.Service.AllPatterns())
	assert.Equal(t, []string{"NODE_ENV=production", "PORT=4175", "TZ=UTC"}, run.Service.EnvPairs())
	assert.Equal(t, "npm ci --omit=dev", run.InstallCommand)
	assert.Equal(t, 5*time.Minute, run.Timeout)

	vc := cfg.VerifierConfig()
	assert.Equal(t, 30*time.Second, vc.Timeout)
	assert.Equal(t, "/healthz", vc.ProbePath)

	assert.Equal(t, 20*time.Second, cfg.ControllerConfig().StopTimeout)
	assert.Equal(t, []string{"server", "package.json", "public"}, cfg.WatchPaths())
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestNewHandler_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(LogConfig{Level: "info", Format: "json"}, &buf, true)

	logger := slog.New(h)
	logger.Info("hello", "component", "test")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
}

func TestNewHandler_AutoFormat(t *testing.T) {
	var tty, pipe bytes.Buffer
	slog.New(newHandler(LogConfig{Format: "auto"}, &tty, true)).Info("hello")
	slog.New(newHandler(LogConfig{Format: "auto"}, &pipe, false)).Info("hello")

	assert.False(t, json.Valid(tty.Bytes()), "a terminal gets text")
	assert.True(t, json.Valid(pipe.Bytes()), "a pipe gets JSON")
}

func TestNewHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(LogConfig{Level: "warn", Format: "json"}, &buf, false))
	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "invalid",
			Format: "json",
		},
	}

	// Should fall back to info level, not panic
	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"PUSHDEPLOY_TARGET_HOST",
		"PUSHDEPLOY_TARGET_USER",
		"PUSHDEPLOY_TARGET_PASSWORD",
		"PUSHDEPLOY_TARGET_PRIVATE_KEY_FILE",
		"PUSHDEPLOY_DEPLOY_REMOTE_BASE_PATH",
		"PUSHDEPLOY_DEPLOY_SYNC_MODE",
		"PUSHDEPLOY_HEALTH_TIMEOUT_SECONDS",
		"PUSHDEPLOY_LOG_LEVEL",
		"PUSHDEPLOY_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
