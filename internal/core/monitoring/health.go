// Package monitoring provides pure functions for post-deployment health logic.
// This package contains NO I/O.
package monitoring

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/artpar/pushdeploy/internal/core/domain"
)

// =============================================================================
// Health Evaluation (Pure Functions)
// =============================================================================

// Evaluate applies the health outcome law: the service is healthy when the
// HTTP status is acceptable or a matching process exists. Nil acceptable
// statuses fall back to domain.DefaultAcceptableStatuses.
func Evaluate(httpStatus, pid string, acceptable []int) domain.HealthOutcome {
	if StatusAcceptable(httpStatus, acceptable) || pid != "" {
		return domain.HealthHealthy
	}
	return domain.HealthDegraded
}

// StatusAcceptable reports whether an observed status code is in the accepted set.
// An empty or non-numeric status is never acceptable.
func StatusAcceptable(httpStatus string, acceptable []int) bool {
	if acceptable == nil {
		acceptable = domain.DefaultAcceptableStatuses
	}
	code, err := strconv.Atoi(strings.TrimSpace(httpStatus))
	if err != nil {
		return false
	}
	for _, a := range acceptable {
		if a == code {
			return true
		}
	}
	return false
}

// =============================================================================
// Probe Output Parsing (Pure Functions)
// =============================================================================

// ParsePIDs extracts numeric process IDs from pgrep output, one per line.
// Anything that is not a positive integer ("no process", blank lines) is dropped.
func ParsePIDs(output string) []string {
	var pids []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if n, err := strconv.Atoi(line); err == nil && n > 0 {
			pids = append(pids, line)
		}
	}
	return pids
}

// FirstPID returns the first process ID in pgrep output, or "" when none.
func FirstPID(output string) string {
	if pids := ParsePIDs(output); len(pids) > 0 {
		return pids[0]
	}
	return ""
}

// HTTPStatusText renders a status code for the report; zero means unreachable.
func HTTPStatusText(code int) string {
	if code <= 0 {
		return ""
	}
	return strconv.Itoa(code)
}

// Excerpt trims output to at most max bytes, marking truncation. The cut
// never splits a UTF-8 sequence.
func Excerpt(output string, max int) string {
	output = strings.TrimSpace(output)
	if max <= 0 || len(output) <= max {
		return output
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + "…"
}

// HealthMessage generates a human-readable summary of a health check result.
func HealthMessage(r domain.HealthCheckResult) string {
	status := r.HTTPStatus
	if status == "" {
		status = "unreachable"
	}
	pid := r.PID
	if pid == "" {
		pid = "absent"
	}
	if r.Outcome == domain.HealthHealthy {
		return "service is up (http " + status + ", pid " + pid + ")"
	}
	return "service could not be confirmed healthy (http " + status + ", pid " + pid + ")"
}
