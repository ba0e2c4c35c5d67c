package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/shell/remote"
	"github.com/artpar/pushdeploy/internal/shell/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pgrepCmd = "pgrep -f -- '[n]ode server/index.js' || true"
	tailCmd  = "tail -n 15 -- '/tmp/gamble.log'"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		Timeout:      200 * time.Millisecond,
		Interval:     10 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testInstance() domain.ServiceInstance {
	return domain.ServiceInstance{
		ProcessPattern: "node server/index.js",
		BoundPort:      4175,
		LogPath:        "/tmp/gamble.log",
	}
}

// serviceAt points the fake session's tunnel at an httptest server.
func serviceAt(t *testing.T, handler http.HandlerFunc) *remotetest.Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sess := remotetest.NewSession()
	sess.DialAddr = strings.TrimPrefix(srv.URL, "http://")
	return sess
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestCheck_HealthyOnHTTP200(t *testing.T) {
	var path atomic.Value
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, domain.HealthHealthy, result.Outcome)
	assert.Equal(t, "200", result.HTTPStatus)
	assert.Empty(t, result.PID)
	assert.Empty(t, result.DiagnosticLog)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "/", path.Load())
	assert.Contains(t, sess.Ops(), "dial 127.0.0.1:4175")
}

func TestCheck_DegradedWithLogTail(t *testing.T) {
	sess := remotetest.NewSession()
	sess.DialErr = errors.New("connect: connection refused")
	sess.Handle(tailCmd, remotetest.Reply("Error: Cannot find module 'express'\n    at node:internal\n", 0))

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, domain.HealthDegraded, result.Outcome)
	assert.Empty(t, result.HTTPStatus)
	assert.Empty(t, result.PID)
	assert.Equal(t, "Error: Cannot find module 'express'\n    at node:internal", result.DiagnosticLog)
	assert.Greater(t, result.Attempts, 1, "keeps polling until the timeout")
}

// =============================================================================
// Outcome Law Tests
// =============================================================================

func TestCheck_RedirectIsNotFollowed(t *testing.T) {
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dealer", http.StatusFound)
	})

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())
	assert.Equal(t, "302", result.HTTPStatus)
	assert.True(t, result.IsHealthy())
}

func TestCheck_ServerErrorWithProcessIsHealthy(t *testing.T) {
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	sess.Handle(pgrepCmd, remotetest.Reply("4242\n", 0))

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, domain.HealthHealthy, result.Outcome)
	assert.Equal(t, "500", result.HTTPStatus)
	assert.Equal(t, "4242", result.PID)
	assert.NotContains(t, sess.Commands(), tailCmd, "healthy results skip the log")
}

func TestCheck_ServerErrorWithoutProcessIsDegraded(t *testing.T) {
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	sess.Handle(tailCmd, remotetest.Reply("booting\n", 0))

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, domain.HealthDegraded, result.Outcome)
	assert.Equal(t, "503", result.HTTPStatus)
	assert.Equal(t, "booting", result.DiagnosticLog)
}

func TestCheck_BecomesHealthyWhilePolling(t *testing.T) {
	var hits int32
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotModified)
	})

	cfg := fastConfig()
	cfg.Timeout = 2 * time.Second
	result := NewVerifier(cfg, setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.True(t, result.IsHealthy())
	assert.Equal(t, "304", result.HTTPStatus)
	assert.Equal(t, 3, result.Attempts)
}

func TestCheck_CustomProbePathAndStatuses(t *testing.T) {
	sess := serviceAt(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	cfg := fastConfig()
	cfg.ProbePath = "healthz"
	cfg.AcceptableStatuses = []int{204}
	result := NewVerifier(cfg, setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, "204", result.HTTPStatus)
	assert.True(t, result.IsHealthy())
}

// =============================================================================
// Diagnostics Tests
// =============================================================================

func TestCheck_LogTailFailureYieldsEmpty(t *testing.T) {
	sess := remotetest.NewSession()
	sess.Handle(tailCmd, func(string) (remote.ExecResult, error) {
		return remote.ExecResult{Stderr: []byte("tail: cannot open '/tmp/gamble.log'"), ExitStatus: 1}, nil
	})

	result := NewVerifier(fastConfig(), setupTestLogger()).Check(context.Background(), sess, testInstance())

	assert.Equal(t, domain.HealthDegraded, result.Outcome)
	assert.Equal(t, "", result.DiagnosticLog)
}

func TestCheck_CancelledContext(t *testing.T) {
	sess := remotetest.NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.Timeout = time.Minute
	result := NewVerifier(cfg, setupTestLogger()).Check(ctx, sess, testInstance())

	require.Equal(t, 1, result.Attempts)
	assert.Equal(t, domain.HealthDegraded, result.Outcome)
}
