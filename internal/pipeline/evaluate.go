package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/gate"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

type stageResult struct {
	status  string
	reasons []string
	actions []string
}

// Evaluate recomputes readiness for every stage that is not running or
// complete, persists the stage rows transactionally, and records one
// EVALUATED event for the pass.
func (e Engine) Evaluate(ctx context.Context, projectID, actorID string) (domain.PipelineStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	snap, cerr := e.Contracts.Rebuild(ctx, projectID)
	if cerr != nil {
		// The contract is the source of truth; without it the orchestrator
		// must not guess. Everything non-complete degrades to blocked.
		return e.degradeToBlocked(ctx, p, cerr, actorID)
	}
	cfg := e.projectConfig(ctx, projectID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ListStageStatesTx(ctx, tx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}

	computed := map[stage.Key]string{}
	var readyKeys []string
	for _, def := range stage.All() {
		prev, has := existing[def.Key]
		if has && (prev.Status == domain.StageRunning || prev.Status == domain.StageComplete) {
			computed[def.Key] = prev.Status
			continue
		}
		res := e.gateFor(def, snap, p, computed)
		if res.status == domain.StageReady {
			res = e.applyApprovalGate(ctx, tx, def, snap, p, cfg.Gates.Defaults, res)
		}
		// A state-only stage that was already ready on the previous pass and
		// still qualifies completes now; no job is ever dispatched for it.
		if def.StateOnly && has && prev.Status == domain.StageReady && res.status == domain.StageReady {
			res.status = domain.StageComplete
			res.reasons = nil
			res.actions = nil
		}
		state := domain.StageState{
			ProjectID:       projectID,
			StageKey:        def.Key,
			Status:          res.status,
			BlockedReasons:  res.reasons,
			RequiredActions: res.actions,
			UpdatedAt:       e.nowString(),
		}
		if has {
			state.LastJobID = prev.LastJobID
		}
		if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
			return domain.PipelineStatus{}, fmt.Errorf("upsert stage %s: %w", def.Key, err)
		}
		if def.StateOnly && res.status == domain.StageComplete {
			advancePointer(&p, def.Key)
		}
		computed[def.Key] = res.status
		if res.status == domain.StageReady {
			readyKeys = append(readyKeys, string(def.Key))
		}
	}

	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Evaluated, projectID, string(currentStageKey(computed)), actorID, events.EventPayload{
		"current_stage": string(currentStageKey(computed)),
		"ready":         readyKeys,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, projectID)
}

// currentStageKey is the earliest stage, by pipeline order, that is not
// complete.
func currentStageKey(computed map[stage.Key]string) stage.Key {
	for _, def := range stage.All() {
		if computed[def.Key] != domain.StageComplete {
			return def.Key
		}
	}
	return stage.Complete
}

// gateFor computes raw readiness for one stage from the contract snapshot
// and the statuses already computed earlier in this pass.
func (e Engine) gateFor(def stage.Def, snap *contract.Snapshot, p domain.Project, computed map[stage.Key]string) stageResult {
	switch def.Key {
	case stage.Onboarding:
		if !snap.Onboarding.Submitted {
			return stageResult{
				status:  domain.StageBlocked,
				reasons: []string{"Client onboarding not submitted"},
				actions: []string{"Collect the client onboarding submission"},
			}
		}
		return stageResult{status: domain.StageReady}

	case stage.Assignment:
		if computed[stage.Onboarding] != domain.StageComplete {
			return stageResult{status: domain.StageBlocked, reasons: []string{"Onboarding not complete"}}
		}
		missing := snap.MissingRoles()
		if len(missing) > 0 {
			if p.AutopilotEnabled && p.AutopilotMode != domain.AutopilotOff {
				// Autopilot fills the gap with a team_assignment job.
				return stageResult{status: domain.StageReady}
			}
			return stageResult{
				status:  domain.StageBlocked,
				reasons: []string{"Assignments missing: " + strings.Join(missing, "/")},
				actions: []string{"Assign the missing project roles"},
			}
		}
		return stageResult{status: domain.StageReady}

	case stage.Build:
		if computed[stage.Assignment] != domain.StageComplete {
			return stageResult{status: domain.StageBlocked, reasons: []string{"Assignment not complete"}}
		}
		var reasons []string
		switch {
		case snap.Template.ID == "":
			reasons = append(reasons, "Template not selected")
		case snap.Template.ValidationStatus == "failed":
			msg := snap.Template.ValidationError
			if msg == "" {
				msg = "unknown error"
			}
			reasons = append(reasons, "Validation failed: "+msg)
		case snap.Template.ValidationStatus != "passed":
			reasons = append(reasons, "Template validation pending")
		}
		if !snap.Template.PreviewReady {
			reasons = append(reasons, "Client preview not ready")
		}
		if len(reasons) > 0 {
			return stageResult{status: domain.StageBlocked, reasons: reasons}
		}
		return stageResult{status: domain.StageReady}

	case stage.Complete:
		for _, d := range stage.All() {
			if d.Key == stage.Complete {
				break
			}
			if computed[d.Key] != domain.StageComplete {
				return stageResult{status: domain.StageBlocked, reasons: []string{"Earlier stages not complete"}}
			}
		}
		return stageResult{status: domain.StageReady}

	default:
		// Never silently ready: stages without a gate need an explicit
		// marker until their evaluation is implemented.
		return stageResult{
			status:  domain.StageBlocked,
			reasons: []string{fmt.Sprintf("Stage %s evaluation not implemented", def.Key)},
			actions: []string{"Advance via job outcome callbacks"},
		}
	}
}

// applyApprovalGate turns a ready stage into awaiting_approval when the HITL
// gate requires sign-off, honoring past decisions whose inputs fingerprint
// still matches and discarding stale pending requests.
func (e Engine) applyApprovalGate(ctx context.Context, tx *sql.Tx, def stage.Def, snap *contract.Snapshot, p domain.Project, overrides map[string]config.GateRule, res stageResult) stageResult {
	rule := e.Gates.ResolveGate(def.Key, e.globalGateRules(), overrides)
	required, reasons := e.Gates.ShouldRequireApproval(rule, gate.BuildContext(snap, def.Key), p.AutopilotMode)
	if !required {
		// A leftover pending request is moot once the gate stops requiring
		// approval for the current inputs.
		_ = e.Repo.DiscardPendingApproval(ctx, tx, p.ID, def.Key, e.nowString())
		return res
	}
	fp := e.Gates.InputsFingerprint(snap, def.Key)

	resolved, err := e.Repo.GetResolvedApprovalTx(ctx, tx, p.ID, def.Key, fp)
	if err == nil {
		switch resolved.Status {
		case domain.ApprovalApproved:
			// A human already approved these exact inputs.
			return res
		case domain.ApprovalRejected:
			blocked := stageResult{status: domain.StageBlocked, reasons: []string{"Approval rejected"}}
			if resolved.Comment != "" {
				blocked.reasons = []string{"Approval rejected: " + resolved.Comment}
			}
			return blocked
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return stageResult{status: domain.StageBlocked, reasons: []string{"Approval lookup failed: " + err.Error()}}
	}

	pending, err := e.Repo.GetPendingApprovalTx(ctx, tx, p.ID, def.Key)
	switch {
	case err == nil && pending.InputsFingerprint == fp:
		// Keep the existing request; the inputs have not moved.
	case err == nil:
		if derr := e.Repo.DiscardPendingApproval(ctx, tx, p.ID, def.Key, e.nowString()); derr != nil {
			return stageResult{status: domain.StageBlocked, reasons: []string{"Approval update failed: " + derr.Error()}}
		}
		if ierr := e.insertPendingApproval(ctx, tx, p.ID, def.Key, rule, fp); ierr != nil {
			return stageResult{status: domain.StageBlocked, reasons: []string{"Approval request failed: " + ierr.Error()}}
		}
	case errors.Is(err, repo.ErrNotFound):
		if ierr := e.insertPendingApproval(ctx, tx, p.ID, def.Key, rule, fp); ierr != nil {
			return stageResult{status: domain.StageBlocked, reasons: []string{"Approval request failed: " + ierr.Error()}}
		}
	default:
		return stageResult{status: domain.StageBlocked, reasons: []string{"Approval lookup failed: " + err.Error()}}
	}

	return stageResult{
		status:  domain.StageAwaitingApproval,
		reasons: reasons,
		actions: []string{"Review and approve or reject the pending gate"},
	}
}

func (e Engine) insertPendingApproval(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key, rule config.GateRule, fp string) error {
	ruleJSON, _ := json.Marshal(rule)
	now := e.nowString()
	return e.Repo.InsertApproval(ctx, tx, domain.StageApproval{
		ID:                uuid.New().String(),
		ProjectID:         projectID,
		StageKey:          key,
		Status:            domain.ApprovalPending,
		GateRuleJSON:      string(ruleJSON),
		InputsFingerprint: fp,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// degradeToBlocked force-sets every non-complete stage to blocked when the
// project contract cannot be rebuilt. Nothing may dispatch off a stale view.
func (e Engine) degradeToBlocked(ctx context.Context, p domain.Project, cause error, actorID string) (domain.PipelineStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ListStageStatesTx(ctx, tx, p.ID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	reason := "Contract build failed: " + cause.Error()
	for _, def := range stage.All() {
		prev, has := existing[def.Key]
		if has && prev.Status == domain.StageComplete {
			continue
		}
		state := domain.StageState{
			ProjectID:      p.ID,
			StageKey:       def.Key,
			Status:         domain.StageBlocked,
			BlockedReasons: []string{reason},
			UpdatedAt:      e.nowString(),
		}
		if has {
			state.LastJobID = prev.LastJobID
		}
		if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
			return domain.PipelineStatus{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.Evaluated, p.ID, string(p.CurrentStage), actorID, events.EventPayload{
		"contract_error": cause.Error(),
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, p.ID)
}
