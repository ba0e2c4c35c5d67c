// Package health decides whether a freshly started service is alive.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/monitoring"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/remote"
)

// Config configures the health verifier.
type Config struct {
	// Timeout bounds the whole check, initial delay included.
	// Default: 15 seconds.
	Timeout time.Duration

	// Interval is the time between probe attempts.
	// Default: 1 second.
	Interval time.Duration

	// InitialDelay is waited once before the first attempt.
	InitialDelay time.Duration

	// ProbeTimeout bounds a single HTTP request.
	// Default: 3 seconds.
	ProbeTimeout time.Duration

	// ProbePath is requested on the loopback interface. Default: "/".
	ProbePath string

	// LogTailLines is how much of the service log a degraded result carries.
	// Default: 15.
	LogTailLines int

	// AcceptableStatuses default to domain.DefaultAcceptableStatuses.
	AcceptableStatuses []int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      15 * time.Second,
		Interval:     time.Second,
		InitialDelay: time.Second,
		ProbeTimeout: 3 * time.Second,
		ProbePath:    "/",
		LogTailLines: 15,
	}
}

// Verifier probes the service through a remote session.
type Verifier struct {
	config Config
	logger *slog.Logger
}

// NewVerifier creates a new health verifier.
func NewVerifier(config Config, logger *slog.Logger) *Verifier {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.ProbePath == "" {
		config.ProbePath = "/"
	}
	if config.LogTailLines == 0 {
		config.LogTailLines = 15
	}
	if config.AcceptableStatuses == nil {
		config.AcceptableStatuses = domain.DefaultAcceptableStatuses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		config: config,
		logger: logger.With("component", "health"),
	}
}

// =============================================================================
// Check
// =============================================================================

// Check polls until the service is healthy or the timeout elapses. Each
// attempt takes both signals: an HTTP GET against the remote loopback
// interface and a process table query. A degraded result carries the tail of
// the service log, or an empty string when the log cannot be read. Check
// never fails; a cancelled context ends polling with the last observation.
func (v *Verifier) Check(ctx context.Context, sess remote.Session, inst domain.ServiceInstance) domain.HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	var result domain.HealthCheckResult

	if v.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(v.config.InitialDelay):
		}
	}

	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()

poll:
	for {
		result.Attempts++
		result.HTTPStatus = v.probe(ctx, sess, inst.BoundPort)
		result.PID = v.findPID(ctx, sess, inst.ProcessPattern)
		result.Outcome = monitoring.Evaluate(result.HTTPStatus, result.PID, v.config.AcceptableStatuses)

		v.logger.Debug("health attempt",
			"attempt", result.Attempts,
			"http_status", result.HTTPStatus,
			"pid", result.PID,
			"outcome", result.Outcome,
		)

		if result.IsHealthy() {
			break
		}

		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
	}

	if !result.IsHealthy() {
		// The poll window is spent; the log tail gets its own budget.
		tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(ctx), v.config.ProbeTimeout)
		result.DiagnosticLog = v.tailLog(tailCtx, sess, inst.LogPath)
		tailCancel()
	}

	v.logger.Info(monitoring.HealthMessage(result), "attempts", result.Attempts)
	return result
}

// probe returns the HTTP status as text, or "" when unreachable.
// Redirects are reported, not followed.
func (v *Verifier) probe(ctx context.Context, sess remote.Session, port int) string {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       sess.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: v.config.ProbeTimeout,
	}

	path := v.config.ProbePath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		v.logger.Debug("probe failed", "url", url, "error", err)
		return ""
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return monitoring.HTTPStatusText(resp.StatusCode)
}

func (v *Verifier) findPID(ctx context.Context, sess remote.Session, pattern string) string {
	res := remote.Tolerant(ctx, sess, shellcmd.FindPIDs(pattern), v.logger)
	return monitoring.FirstPID(res.Output())
}

func (v *Verifier) tailLog(ctx context.Context, sess remote.Session, logPath string) string {
	res := remote.Tolerant(ctx, sess, shellcmd.TailLog(logPath, v.config.LogTailLines), v.logger)
	if !res.OK() {
		return ""
	}
	return strings.TrimRight(string(res.Stdout), "\n")
}
