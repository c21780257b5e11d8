// Package pipeline implements the delivery-pipeline orchestrator: gate
// evaluation, the autopilot control loop with its safety interlocks, job
// outcome handling and the human approval workflow.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/gate"
	"stageline/internal/jobs"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Trigger sources for AutoAdvance.
const (
	TriggerManual   = "manual"
	TriggerSweeper  = "sweeper"
	TriggerJobDone  = "job_completed"
	TriggerApproval = "approval"
	TriggerRework   = "rework"
)

const systemActor = "autopilot"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Contracts contract.Source
	Gates     gate.Resolver
	Jobs      jobs.Dispatcher
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Contracts: contract.SQLSource{Repo: r},
		Gates:     gate.Policy{},
		Jobs:      jobs.Queue{Repo: r},
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject creates a project at the start of the pipeline with its
// default per-project config.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:               projectID,
		Kind:             "delivery-project",
		Status:           domain.ProjectActive,
		Description:      description,
		CurrentStage:     stage.Onboarding,
		AutopilotEnabled: true,
		AutopilotMode:    domain.AutopilotConditional,
		CreatedAt:        e.nowString(),
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "", actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SetAutopilot updates the autopilot toggle and mode for a project.
func (e Engine) SetAutopilot(ctx context.Context, projectID string, enabled bool, mode, actorID string) (domain.Project, error) {
	switch mode {
	case domain.AutopilotOff, domain.AutopilotConditional, domain.AutopilotFull:
	default:
		return domain.Project{}, fmt.Errorf("invalid autopilot mode %q", mode)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	p.AutopilotEnabled = enabled
	p.AutopilotMode = mode
	if enabled {
		p.AutopilotPausedReason = nil
	}
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.AutoResumed, p.ID, "", actorID, events.EventPayload{
		"enabled": enabled, "mode": mode,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// Pause stops future autopilot dispatches. It does not retract an already
// running job; the job system owns cancellation.
func (e Engine) Pause(ctx context.Context, projectID, reason, actorID string) (domain.PipelineStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	if reason == "" {
		reason = "Paused by admin"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()
	p.AutopilotEnabled = false
	p.AutopilotPausedReason = &reason
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AutoPaused, p.ID, "", actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.buildStatus(ctx, projectID)
}

// Resume re-enables autopilot. With resetFailures it also clears the failure
// counters and, for projects parked in needs_review, returns them to active.
func (e Engine) Resume(ctx context.Context, projectID string, resetFailures bool, actorID string) (domain.PipelineStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	defer tx.Rollback()
	p.AutopilotEnabled = true
	p.AutopilotPausedReason = nil
	p.AutopilotLockUntil = nil
	if resetFailures {
		p.AutopilotFailureCount = 0
		if p.Status == domain.ProjectNeedsReview {
			p.Status = domain.ProjectActive
			p.DefectCycleCount = 0
		}
	}
	if err := e.Repo.UpdateProjectOrchestration(ctx, tx, p); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AutoResumed, p.ID, "", actorID, events.EventPayload{
		"reset_failures": resetFailures,
	}); err != nil {
		return domain.PipelineStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineStatus{}, err
	}
	return e.Evaluate(ctx, projectID, actorID)
}

// Status reports the pipeline status from persisted state without
// re-evaluating anything.
func (e Engine) Status(ctx context.Context, projectID string) (domain.PipelineStatus, error) {
	return e.buildStatus(ctx, projectID)
}

// Contract returns the project's cached contract snapshot, the exact view
// the last gate evaluation saw. It is built on first access but never
// rebuilt here; Evaluate owns refreshing it.
func (e Engine) Contract(ctx context.Context, projectID string) (*contract.Snapshot, error) {
	return e.Contracts.Get(ctx, projectID)
}

// projectConfig loads the per-project config, falling back to the engine's
// global config when none is stored.
func (e Engine) projectConfig(ctx context.Context, projectID string) *config.Config {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default(projectID)
}

func (e Engine) autopilotSettings(ctx context.Context, projectID string) config.Autopilot {
	return e.projectConfig(ctx, projectID).Autopilot
}

func (e Engine) globalGateRules() map[string]config.GateRule {
	if e.Config == nil {
		return nil
	}
	return e.Config.Gates.Defaults
}

func parseTime(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// buildStatus assembles the PipelineStatus shape from persisted state
// without re-evaluating anything.
func (e Engine) buildStatus(ctx context.Context, projectID string) (domain.PipelineStatus, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	states, err := e.Repo.ListStageStates(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	pending, err := e.Repo.ListPendingApprovals(ctx, projectID)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	st := domain.PipelineStatus{
		ProjectID:        p.ID,
		ProjectStatus:    p.Status,
		CurrentStage:     p.CurrentStage,
		AutopilotEnabled: p.AutopilotEnabled,
		AutopilotMode:    p.AutopilotMode,
		PendingApprovals: pending,
	}
	if p.AutopilotPausedReason != nil {
		st.PausedReason = *p.AutopilotPausedReason
	}
	for _, def := range stage.All() {
		row, ok := states[def.Key]
		if !ok {
			continue
		}
		st.Stages = append(st.Stages, row)
		switch row.Status {
		case domain.StageReady:
			st.ReadyStages = append(st.ReadyStages, def.Key)
		case domain.StageBlocked, domain.StageAwaitingApproval:
			for _, reason := range row.BlockedReasons {
				st.BlockedSummary = append(st.BlockedSummary, fmt.Sprintf("%s: %s", def.Key, reason))
			}
		}
	}
	st.Safety.AmbiguousNextStage = len(st.ReadyStages) > 1
	now := e.now()
	if until, ok := parseTime(p.AutopilotLockUntil); ok && until.After(now) {
		st.Safety.CircuitBreaker = true
		st.Safety.CooldownActive = true
	}
	throttle := time.Duration(e.autopilotSettings(ctx, projectID).ThrottleSeconds) * time.Second
	if last, ok := parseTime(p.AutopilotLastActionAt); ok && throttle > 0 && now.Sub(last) < throttle {
		st.Safety.CooldownActive = true
	}
	return st, nil
}
