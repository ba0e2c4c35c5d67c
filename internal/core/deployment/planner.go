package deployment

import "github.com/artpar/pushdeploy/internal/core/domain"

// =============================================================================
// Run Planning
// =============================================================================

// PlanPhases returns the phases of a deployment run in execution order.
// Release always runs last, whatever happened before it.
//
// Example:
//
//	PlanPhases(false)
//	// [acquire stop sync start health release]
func PlanPhases(hasInstall bool) []domain.Phase {
	phases := []domain.Phase{domain.PhaseAcquire, domain.PhaseStop, domain.PhaseSync}
	if hasInstall {
		phases = append(phases, domain.PhaseInstall)
	}
	return append(phases, domain.PhaseStart, domain.PhaseHealth, domain.PhaseRelease)
}

// IsFatalPhase reports whether a failure in the phase aborts the run.
// Stop and install are best-effort; health failure degrades but does not abort.
func IsFatalPhase(p domain.Phase) bool {
	switch p {
	case domain.PhaseAcquire, domain.PhaseSync, domain.PhaseStart:
		return true
	default:
		return false
	}
}

// LifecycleAfterHealth maps a health outcome to the final lifecycle state.
func LifecycleAfterHealth(outcome domain.HealthOutcome) domain.LifecycleState {
	if outcome == domain.HealthHealthy {
		return domain.LifecycleHealthy
	}
	return domain.LifecycleDegraded
}

// OutcomeFor maps a health outcome to the report outcome of a completed run.
func OutcomeFor(outcome domain.HealthOutcome) domain.Outcome {
	if outcome == domain.HealthHealthy {
		return domain.OutcomeSuccess
	}
	return domain.OutcomeDegraded
}
