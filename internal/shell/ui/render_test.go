package ui

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/shell/diagnose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func degradedReport() *domain.DeploymentReport {
	r := domain.NewDeploymentReport("203.0.113.10")
	r.Record(domain.PhaseAcquire, domain.PhaseOK, "", 120*time.Millisecond)
	r.Record(domain.PhaseSync, domain.PhaseOK, "2 files, 42 bytes", time.Second)
	r.Record(domain.PhaseInstall, domain.PhaseWarning, "exit status 1", time.Second)
	r.Record(domain.PhaseHealth, domain.PhaseWarning, "no HTTP response, no process", 15*time.Second)
	r.Warn("install: exit status 1")
	r.Health = &domain.HealthCheckResult{
		Outcome:       domain.HealthDegraded,
		DiagnosticLog: "Error: Cannot find module 'express'",
		Attempts:      15,
	}
	r.Outcome = domain.OutcomeDegraded
	r.Message = "deployed to 203.0.113.10; service could not be confirmed healthy"
	r.URLs = []string{"http://203.0.113.10:4175/"}
	r.Finish()
	return r
}

// =============================================================================
// Format Tests
// =============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Report Tests
// =============================================================================

func TestRenderReport_Degraded(t *testing.T) {
	out := RenderReport(degradedReport())

	assert.Contains(t, out, "Deployed, not confirmed healthy")
	assert.Contains(t, out, "2 files, 42 bytes")
	assert.Contains(t, out, "Cannot find module 'express'")
	assert.Contains(t, out, "install: exit status 1")
	assert.Contains(t, out, "http://203.0.113.10:4175/")
	assert.Contains(t, out, "HTTP status:")
	assert.Contains(t, out, "none")
}

func TestRenderReport_Aborted(t *testing.T) {
	r := domain.NewDeploymentReport("203.0.113.10")
	r.Record(domain.PhaseAcquire, domain.PhaseFailed, "authentication failed", time.Second)
	r.Record(domain.PhaseStop, domain.PhaseSkipped, "", 0)
	r.Abort("deployment aborted during acquire", errors.New("connect 203.0.113.10: authentication failed"))
	r.Finish()

	out := RenderReport(r)
	assert.Contains(t, out, "Aborted")
	assert.Contains(t, out, "deployment aborted during acquire")
	assert.Contains(t, out, "Error: ")
	assert.Contains(t, out, "skipped")
	assert.NotContains(t, out, "URLs")
	assert.NotContains(t, out, "Health")
}

func TestWriteReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, degradedReport(), FormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "degraded", decoded["outcome"])
	assert.Equal(t, "203.0.113.10", decoded["host"])
	health, ok := decoded["health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Error: Cannot find module 'express'", health["diagnostic_log"])
	assert.NotContains(t, health, "http_status", "absent status is omitted")
}

func TestWriteReport_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, degradedReport(), FormatYAML))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "degraded", decoded["outcome"])
	assert.Len(t, decoded["phases"], 4)
}

func TestWriteReport_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteReport(&buf, degradedReport(), Format("xml")), ErrUnknownFormat)
}

// =============================================================================
// Diagnostics Tests
// =============================================================================

func TestRenderDiagnostics(t *testing.T) {
	sections := []diagnose.Section{
		{Title: "processes", Command: "ps aux", Output: "ubuntu 4242 node server/index.js"},
		{Title: "firewall", Command: "sudo -n ufw status", ExitStatus: -1},
		{Title: "log", Command: "tail", ExitStatus: 0},
	}

	out := RenderDiagnostics("203.0.113.10", sections)
	assert.Contains(t, out, "Diagnostics for 203.0.113.10")
	assert.Contains(t, out, "== processes")
	assert.Contains(t, out, "ubuntu 4242 node server/index.js")
	assert.Contains(t, out, "check could not run")
	assert.Contains(t, out, "(no output)")
}

func TestWriteDiagnostics_JSON(t *testing.T) {
	var buf bytes.Buffer
	sections := []diagnose.Section{{Title: "listening", Command: "ss -tlnp", Output: "LISTEN 0 511 *:4175"}}
	require.NoError(t, WriteDiagnostics(&buf, "h", sections, FormatJSON))

	var decoded []diagnose.Section
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, sections, decoded)
}
