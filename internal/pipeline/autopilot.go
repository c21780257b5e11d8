package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/jobs"
	"stageline/internal/stage"
)

const pausedAmbiguous = "Ambiguous next stage: requires admin decision"

// AutoAdvance runs one autopilot step: evaluate, check the safety
// interlocks in order, and dispatch at most one job. Every exit path
// returns a status snapshot the caller can render directly.
func (e Engine) AutoAdvance(ctx context.Context, projectID, trigger, actorID string) (domain.PipelineStatus, error) {
	st, err := e.Evaluate(ctx, projectID, actorID)
	if err != nil {
		return st, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return st, err
	}
	settings := e.autopilotSettings(ctx, projectID)

	if !p.AutopilotEnabled || p.AutopilotMode == domain.AutopilotOff || p.Status != domain.ProjectActive {
		return st, nil
	}

	now := e.now()
	if until, ok := parseTime(p.AutopilotLockUntil); ok && until.After(now) {
		return st, nil
	}
	throttle := time.Duration(settings.ThrottleSeconds) * time.Second
	if last, ok := parseTime(p.AutopilotLastActionAt); ok && throttle > 0 && now.Sub(last) < throttle {
		return st, nil
	}

	for _, row := range st.Stages {
		if row.Status == domain.StageRunning || row.Status == domain.StageAwaitingApproval {
			return st, nil
		}
	}

	switch len(st.ReadyStages) {
	case 0:
		return st, nil
	case 1:
	default:
		// More than one candidate means the evaluator's model and reality
		// disagree. Autopilot refuses to pick and hands off to a human.
		return e.pauseForAmbiguity(ctx, p, st.ReadyStages, actorID)
	}

	key := st.ReadyStages[0]
	def, ok := stage.Lookup(key)
	if !ok {
		return st, fmt.Errorf("unknown stage %q", key)
	}
	if def.StateOnly {
		// State-only stages complete on re-evaluation; nothing to dispatch.
		return e.Evaluate(ctx, projectID, actorID)
	}

	if row, err := e.Repo.GetStageState(ctx, projectID, key); err == nil && row.LastJobID != nil {
		status, serr := e.Jobs.Status(ctx, *row.LastJobID)
		if serr == nil && (status == domain.JobQueued || status == domain.JobRunning) {
			return st, nil
		}
	}

	return e.dispatch(ctx, p, def, settings, trigger, actorID)
}

// dispatch enqueues the job for one ready stage and flips it to running, all
// in one transaction. Enqueue failures feed the circuit breaker.
func (e Engine) dispatch(ctx context.Context, p domain.Project, def stage.Def, settings config.Autopilot, trigger, actorID string) (domain.PipelineStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	attempt, err := e.Repo.CountJobRunsTx(ctx, tx, p.ID, def.Key)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	attempt++

	payload, _ := json.Marshal(map[string]any{
		"project_id": p.ID,
		"stage":      string(def.Key),
		"attempt":    attempt,
	})
	jobID, err := e.Jobs.Enqueue(ctx, tx, jobs.Request{
		ProjectID:      p.ID,
		StageKey:       def.Key,
		Kind:           def.JobKind,
		PayloadJSON:    string(payload),
		IdempotencyKey: jobs.IdempotencyKey(p.ID, def.Key, attempt),
	})
	if err != nil {
		tx.Rollback()
		return e.recordDispatchFailure(ctx, p, def.Key, settings, err, actorID)
	}

	state := domain.StageState{
		ProjectID: p.ID,
		StageKey:  def.Key,
		Status:    domain.StageRunning,
		LastJobID: &jobID,
		UpdatedAt: e.nowString(),
	}
	if err := e.Repo.UpsertStageState(ctx, tx, state); err != nil {
		return domain.PipelineStatus{}, err
	}

	nowStr := e.nowString()
	p.AutopilotLastActionAt = &nowStr
	p.AutopilotFailureCount = 0
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AutoEnqueued, p.ID, string(def.Key), actorID, events.EventPayload{
		"job_id":  jobID,
		"kind":    def.JobKind,
		"attempt": attempt,
		"trigger": trigger,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.Evaluate(ctx, p.ID, actorID)
}

// recordDispatchFailure bumps the consecutive-failure counter and trips the
// circuit breaker at the threshold.
func (e Engine) recordDispatchFailure(ctx context.Context, p domain.Project, key stage.Key, settings config.Autopilot, cause error, actorID string) (domain.PipelineStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	p.AutopilotFailureCount++
	tripped := settings.FailureThreshold > 0 && p.AutopilotFailureCount >= settings.FailureThreshold
	if tripped {
		until := e.now().Add(time.Duration(settings.LockMinutes) * time.Minute).UTC().Format(time.RFC3339)
		reason := fmt.Sprintf("Circuit breaker: %d consecutive dispatch failures", p.AutopilotFailureCount)
		p.AutopilotEnabled = false
		p.AutopilotLockUntil = &until
		p.AutopilotPausedReason = &reason
	}
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if tripped {
		if err := e.Events.Append(ctx, tx, events.CircuitBreaker, p.ID, string(key), actorID, events.EventPayload{
			"failures":   p.AutopilotFailureCount,
			"lock_until": *p.AutopilotLockUntil,
			"error":      cause.Error(),
		}); err != nil {
			return domain.PipelineStatus{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.Evaluate(ctx, p.ID, actorID)
}

func (e Engine) pauseForAmbiguity(ctx context.Context, p domain.Project, ready []stage.Key, actorID string) (domain.PipelineStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()

	reason := pausedAmbiguous
	p.AutopilotEnabled = false
	p.AutopilotPausedReason = &reason
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	keys := make([]string, 0, len(ready))
	for _, k := range ready {
		keys = append(keys, string(k))
	}
	if err := e.Events.Append(ctx, tx, events.AutoPaused, p.ID, "", actorID, events.EventPayload{
		"reason": reason,
		"ready":  keys,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, p.ID)
}
