package pipeline

import "errors"

// Expected-condition errors surfaced to the control surface. Everything else
// the orchestrator absorbs into persisted state and PipelineStatus flags.
var (
	// ErrStaleApproval means the contract inputs changed since the approval
	// was requested; the caller must re-request.
	ErrStaleApproval = errors.New("approval is stale: inputs changed since it was requested")

	// ErrNoPendingApproval means there is nothing to approve or reject.
	ErrNoPendingApproval = errors.New("no pending approval for stage")
)
