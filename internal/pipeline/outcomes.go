package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/stage"
)

// OnJobSuccess records a terminal success reported by the job system,
// completes the stage, moves the pointer and lets autopilot continue.
// Re-delivered callbacks for an already terminal run are no-ops.
func (e Engine) OnJobSuccess(ctx context.Context, jobID, actorID string) (domain.PipelineStatus, error) {
	run, err := e.Repo.GetJobRun(ctx, jobID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if run.Status == domain.JobSucceeded || run.Status == domain.JobFailed {
		return e.buildStatus(ctx, run.ProjectID)
	}
	p, err := e.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetJobRunStatus(ctx, tx, run.ID, domain.JobSucceeded, "", e.nowString()); err != nil {
		return domain.PipelineStatus{}, err
	}
	state := domain.StageState{
		ProjectID: p.ID,
		StageKey:  run.StageKey,
		Status:    domain.StageComplete,
		LastJobID: &run.ID,
		UpdatedAt: e.nowString(),
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}
	p.AutopilotFailureCount = 0
	advancePointer(&p, run.StageKey)
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobCompleted, p.ID, string(run.StageKey), actorID, events.EventPayload{
		"job_id": run.ID,
		"kind":   run.Kind,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}

	if _, err := e.Contracts.Rebuild(ctx, p.ID); err != nil {
		// AutoAdvance evaluates again and degrades safely if this persists.
		return e.Evaluate(ctx, p.ID, actorID)
	}
	return e.AutoAdvance(ctx, p.ID, TriggerJobDone, actorID)
}

// OnJobFailure records a terminal failure. Verification stages feed the
// bounded rework loop; everything else marks the stage failed and feeds the
// circuit breaker.
func (e Engine) OnJobFailure(ctx context.Context, jobID, errMsg, actorID string) (domain.PipelineStatus, error) {
	run, err := e.Repo.GetJobRun(ctx, jobID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if run.Status == domain.JobSucceeded || run.Status == domain.JobFailed {
		return e.buildStatus(ctx, run.ProjectID)
	}
	p, err := e.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	settings := e.autopilotSettings(ctx, run.ProjectID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetJobRunStatus(ctx, tx, run.ID, domain.JobFailed, errMsg, e.nowString()); err != nil {
		return domain.PipelineStatus{}, err
	}

	if stage.Verification(run.StageKey) {
		return e.handleVerificationFailure(ctx, tx, p, run, settings.DefectCycleCap, errMsg, actorID)
	}

	state := domain.StageState{
		ProjectID:      p.ID,
		StageKey:       run.StageKey,
		Status:         domain.StageFailed,
		BlockedReasons: []string{"Job failed: " + errMsg},
		LastJobID:      &run.ID,
		UpdatedAt:      e.nowString(),
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}
	p.AutopilotFailureCount++
	tripped := settings.FailureThreshold > 0 && p.AutopilotFailureCount >= settings.FailureThreshold
	if tripped {
		until := e.now().Add(time.Duration(settings.LockMinutes) * time.Minute).UTC().Format(time.RFC3339)
		reason := fmt.Sprintf("Circuit breaker: %d consecutive job failures", p.AutopilotFailureCount)
		p.AutopilotEnabled = false
		p.AutopilotLockUntil = &until
		p.AutopilotPausedReason = &reason
	}
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobFailed, p.ID, string(run.StageKey), actorID, events.EventPayload{
		"job_id": run.ID,
		"error":  errMsg,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if tripped {
		if err := e.Events.Append(ctx, tx, events.CircuitBreaker, p.ID, string(run.StageKey), actorID, events.EventPayload{
			"failures":   p.AutopilotFailureCount,
			"lock_until": *p.AutopilotLockUntil,
		}); err != nil {
			return domain.PipelineStatus{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, p.ID)
}

// handleVerificationFailure runs the bounded rework loop. Below the cap a
// failed verification is consumed by sending the pointer back to Build; at
// the cap the project parks in needs_review for a human.
func (e Engine) handleVerificationFailure(ctx context.Context, tx *sql.Tx, p domain.Project, run domain.JobRun, cycleCap int, errMsg, actorID string) (domain.PipelineStatus, error) {
	cycles := p.DefectCycleCount + 1
	if cycleCap > 0 && cycles > cycleCap {
		reason := fmt.Sprintf("Defect cycle cap exceeded (%d)", p.DefectCycleCount)
		p.Status = domain.ProjectNeedsReview
		p.AutopilotEnabled = false
		p.AutopilotPausedReason = &reason
		state := domain.StageState{
			ProjectID:      p.ID,
			StageKey:       run.StageKey,
			Status:         domain.StageFailed,
			BlockedReasons: []string{"Job failed: " + errMsg, reason},
			LastJobID:      &run.ID,
			UpdatedAt:      e.nowString(),
		}
		if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
			return domain.PipelineStatus{}, err
		}
		if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
			return domain.PipelineStatus{}, err
		}
		if err := e.Events.Append(ctx, tx, events.JobFailed, p.ID, string(run.StageKey), actorID, events.EventPayload{
			"job_id":       run.ID,
			"error":        errMsg,
			"defect_cycle": cycles,
			"parked":       true,
		}); err != nil {
			return domain.PipelineStatus{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.PipelineStatus{}, err
		}
		return e.buildStatus(ctx, p.ID)
	}

	// The failure is consumed: the verification stage closes and Build
	// reopens so the defects get addressed.
	state := domain.StageState{
		ProjectID: p.ID,
		StageKey:  run.StageKey,
		Status:    domain.StageComplete,
		LastJobID: &run.ID,
		UpdatedAt: e.nowString(),
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}
	p.DefectCycleCount = cycles
	if err := e.reworkToBuild(ctx, tx, &p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobFailed, p.ID, string(run.StageKey), actorID, events.EventPayload{
		"job_id":       run.ID,
		"error":        errMsg,
		"defect_cycle": cycles,
		"rework":       true,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}

	if _, err := e.Contracts.Rebuild(ctx, p.ID); err != nil {
		return e.Evaluate(ctx, p.ID, actorID)
	}
	return e.AutoAdvance(ctx, p.ID, TriggerRework, actorID)
}
