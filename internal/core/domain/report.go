package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Outcome
// =============================================================================

// Outcome is the terminal state of one deployment run.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeAborted  Outcome = "aborted"
)

// =============================================================================
// Phases
// =============================================================================

// Phase names one step of a deployment run, in execution order.
type Phase string

const (
	PhaseAcquire Phase = "acquire"
	PhaseStop    Phase = "stop"
	PhaseSync    Phase = "sync"
	PhaseInstall Phase = "install"
	PhaseStart   Phase = "start"
	PhaseHealth  Phase = "health"
	PhaseRelease Phase = "release"
)

// PhaseStatus is how a phase ended.
type PhaseStatus string

const (
	PhaseOK      PhaseStatus = "ok"
	PhaseWarning PhaseStatus = "warning"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// PhaseRecord is the outcome of one executed phase.
type PhaseRecord struct {
	Phase    Phase         `json:"phase" yaml:"phase"`
	Status   PhaseStatus   `json:"status" yaml:"status"`
	Detail   string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// =============================================================================
// Deployment Report
// =============================================================================

// DeploymentReport is the single result of a deployment run.
// Aborted reports always carry Error; degraded reports carry Health with
// the diagnostic log tail when it could be read.
type DeploymentReport struct {
	RunID      string             `json:"run_id" yaml:"run_id"`
	Outcome    Outcome            `json:"outcome" yaml:"outcome"`
	Message    string             `json:"message" yaml:"message"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Host       string             `json:"host" yaml:"host"`
	Health     *HealthCheckResult `json:"health,omitempty" yaml:"health,omitempty"`
	Phases     []PhaseRecord      `json:"phases" yaml:"phases"`
	Warnings   []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	URLs       []string           `json:"urls,omitempty" yaml:"urls,omitempty"`
	StartedAt  time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time          `json:"finished_at" yaml:"finished_at"`
}

// NewDeploymentReport creates an empty report for a new run.
func NewDeploymentReport(host string) *DeploymentReport {
	return &DeploymentReport{
		RunID:     uuid.New().String(),
		Host:      host,
		StartedAt: time.Now().UTC(),
	}
}

// Record appends a phase record.
func (r *DeploymentReport) Record(phase Phase, status PhaseStatus, detail string, d time.Duration) {
	r.Phases = append(r.Phases, PhaseRecord{
		Phase:    phase,
		Status:   status,
		Detail:   detail,
		Duration: d,
	})
}

// Warn appends a non-fatal warning.
func (r *DeploymentReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Abort finishes the report as aborted by err.
func (r *DeploymentReport) Abort(message string, err error) {
	r.Outcome = OutcomeAborted
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
}

// Finish stamps the completion time.
func (r *DeploymentReport) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Duration returns the wall time of the run.
func (r *DeploymentReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PhaseStatusOf returns the recorded status of a phase, or "" if it never ran.
func (r *DeploymentReport) PhaseStatusOf(phase Phase) PhaseStatus {
	for _, p := range r.Phases {
		if p.Phase == phase {
			return p.Status
		}
	}
	return ""
}
