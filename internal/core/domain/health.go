package domain

// =============================================================================
// Health Check Result
// =============================================================================

// HealthOutcome is the verdict of a post-start health check.
type HealthOutcome string

const (
	HealthHealthy  HealthOutcome = "healthy"
	HealthDegraded HealthOutcome = "degraded"
)

// DefaultAcceptableStatuses are the HTTP status codes that count as a live service.
var DefaultAcceptableStatuses = []int{200, 302, 304}

// HealthCheckResult carries both liveness signals and, when degraded,
// the tail of the service log. HTTPStatus and PID are empty when absent.
type HealthCheckResult struct {
	HTTPStatus    string        `json:"http_status,omitempty" yaml:"http_status,omitempty"`
	PID           string        `json:"pid,omitempty" yaml:"pid,omitempty"`
	DiagnosticLog string        `json:"diagnostic_log,omitempty" yaml:"diagnostic_log,omitempty"`
	Outcome       HealthOutcome `json:"outcome" yaml:"outcome"`
	Attempts      int           `json:"attempts" yaml:"attempts"`
}

// IsHealthy reports whether the outcome is healthy.
func (r HealthCheckResult) IsHealthy() bool {
	return r.Outcome == HealthHealthy
}
