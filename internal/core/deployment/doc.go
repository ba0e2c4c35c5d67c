// Package deployment provides pure functions for deployment planning.
//
// This package contains the functional core logic behind a push deployment:
// ordering and batching of sync plan entries, remote path naming, and the
// phase plan of a run. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Ordering: Check directory-before-children order (ValidateOrder, Batches)
//   - Naming: Map local paths to remote paths and announced URLs (RemotePath, ServiceURL)
//   - Planning: Phase sequence and outcome mapping (PlanPhases, OutcomeFor)
//
// # Usage
//
// The imperative shell (internal/shell/dirsync, internal/shell/deploy) uses
// these pure functions to plan a run, then executes it over SSH.
//
//	if err := deployment.ValidateOrder(plan.Entries); err != nil {
//	    return err
//	}
//	for _, b := range deployment.Batches(plan.Entries) {
//	    ...
//	}
package deployment
