package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/pipeline/auth"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Approve resolves the pending gate for a stage. The decision only sticks if
// the contract inputs still match the fingerprint recorded when the approval
// was requested; otherwise the caller gets ErrStaleApproval and must
// re-request.
func (e Engine) Approve(ctx context.Context, projectID string, key stage.Key, reviewerID, comment string) (domain.PipelineStatus, error) {
	pending, err := e.Repo.GetPendingApproval(ctx, projectID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PipelineStatus{}, ErrNoPendingApproval
	}
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.checkApprover(ctx, projectID, key, pending, reviewerID); err != nil {
		return domain.PipelineStatus{}, err
	}

	snap, err := e.Contracts.Rebuild(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if e.Gates.InputsFingerprint(snap, key) != pending.InputsFingerprint {
		return domain.PipelineStatus{}, ErrStaleApproval
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ResolveApproval(ctx, tx, pending.ID, domain.ApprovalApproved, reviewerID, comment, e.nowString()); err != nil {
		return domain.PipelineStatus{}, err
	}
	state := domain.StageState{
		ProjectID: projectID,
		StageKey:  key,
		Status:    domain.StageReady,
		UpdatedAt: e.nowString(),
	}
	if prev, err := e.Repo.GetStageStateTx(ctx, tx, projectID, key); err == nil {
		state.LastJobID = prev.LastJobID
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ApprovalGranted, projectID, string(key), reviewerID, events.EventPayload{
		"approval_id": pending.ID,
		"comment":     comment,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.AutoAdvance(ctx, projectID, TriggerApproval, reviewerID)
}

// Reject resolves the pending gate negatively, blocks the stage with the
// rejection comment and pauses autopilot. A rejection is a deliberate human
// decision; it never feeds the circuit breaker.
func (e Engine) Reject(ctx context.Context, projectID string, key stage.Key, reviewerID, comment string) (domain.PipelineStatus, error) {
	pending, err := e.Repo.GetPendingApproval(ctx, projectID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PipelineStatus{}, ErrNoPendingApproval
	}
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.checkApprover(ctx, projectID, key, pending, reviewerID); err != nil {
		return domain.PipelineStatus{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ResolveApproval(ctx, tx, pending.ID, domain.ApprovalRejected, reviewerID, comment, e.nowString()); err != nil {
		return domain.PipelineStatus{}, err
	}
	reason := "Approval rejected"
	if comment != "" {
		reason = "Approval rejected: " + comment
	}
	state := domain.StageState{
		ProjectID:      projectID,
		StageKey:       key,
		Status:         domain.StageBlocked,
		BlockedReasons: []string{reason},
		UpdatedAt:      e.nowString(),
	}
	if prev, err := e.Repo.GetStageStateTx(ctx, tx, projectID, key); err == nil {
		state.LastJobID = prev.LastJobID
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}
	paused := "Approval rejected"
	p.AutopilotEnabled = false
	p.AutopilotPausedReason = &paused
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ApprovalRejected, projectID, string(key), reviewerID, events.EventPayload{
		"approval_id": pending.ID,
		"comment":     comment,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, projectID)
}

// checkApprover verifies the reviewer holds one of the gate's approver roles.
// The role list comes from the rule snapshot stored with the approval, falling
// back to the currently resolved rule. An empty role list admits any actor.
func (e Engine) checkApprover(ctx context.Context, projectID string, key stage.Key, pending domain.StageApproval, reviewerID string) error {
	var rule config.GateRule
	if pending.GateRuleJSON != "" {
		_ = json.Unmarshal([]byte(pending.GateRuleJSON), &rule)
	}
	if len(rule.ApproverRoles) == 0 {
		overrides := e.projectConfig(ctx, projectID).Gates.Defaults
		rule = e.Gates.ResolveGate(key, e.globalGateRules(), overrides)
	}
	if len(rule.ApproverRoles) == 0 {
		return nil
	}
	held, err := e.Repo.ActorRoles(ctx, projectID, reviewerID)
	if err != nil {
		return err
	}
	for _, want := range rule.ApproverRoles {
		for _, have := range held {
			if want == have {
				return nil
			}
		}
	}
	return auth.ForbiddenError{Stage: string(key), Roles: rule.ApproverRoles}
}
