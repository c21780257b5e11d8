package pipeline_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/jobs"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

const projID = "proj-1"

type testEnv struct {
	Engine pipeline.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(projID)
	// No approval gates and no throttle unless a test installs them.
	cfg.Gates.Defaults = nil
	cfg.Autopilot.ThrottleSeconds = 0
	eng := pipeline.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, projID, "test project", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := eng.Repo.UpsertProjectConfig(ctx, projID, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) submitOnboarding(t *testing.T) {
	t.Helper()
	now := "2025-06-01T12:00:00Z"
	err := env.Engine.Repo.UpsertOnboarding(env.Ctx, repo.OnboardingSubmission{
		ProjectID: projID, Submitted: true, SubmittedAt: &now,
	})
	if err != nil {
		t.Fatalf("submit onboarding: %v", err)
	}
}

func (env *testEnv) assignTeam(t *testing.T) {
	t.Helper()
	for role, actor := range map[string]string{"consultant": "c-1", "builder": "b-1", "tester": "t-1"} {
		if err := env.Engine.Repo.UpsertAssignment(env.Ctx, projID, role, actor, "2025-06-01T12:00:00Z"); err != nil {
			t.Fatalf("assign %s: %v", role, err)
		}
	}
}

func (env *testEnv) selectTemplate(t *testing.T, score int) {
	t.Helper()
	err := env.Engine.Repo.UpsertTemplateSelection(env.Ctx, repo.TemplateSelection{
		ProjectID: projID, TemplateID: "tpl-1", ValidationStatus: "passed",
		PreviewReady: true, QualityScore: &score, UpdatedAt: "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("select template: %v", err)
	}
}

func (env *testEnv) stageStatus(t *testing.T, key stage.Key) domain.StageState {
	t.Helper()
	s, err := env.Engine.Repo.GetStageState(env.Ctx, projID, key)
	if err != nil {
		t.Fatalf("stage state %s: %v", key, err)
	}
	return s
}

func (env *testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, projID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return p
}

func (env *testEnv) evaluate(t *testing.T) domain.PipelineStatus {
	t.Helper()
	st, err := env.Engine.Evaluate(env.Ctx, projID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return st
}

func (env *testEnv) advance(t *testing.T) domain.PipelineStatus {
	t.Helper()
	st, err := env.Engine.AutoAdvance(env.Ctx, projID, pipeline.TriggerManual, "tester")
	if err != nil {
		t.Fatalf("auto advance: %v", err)
	}
	return st
}

// insertJobRun seeds a queued run the way the dispatcher would, so outcome
// callbacks can be exercised for stages the evaluator does not yet gate.
func (env *testEnv) insertJobRun(t *testing.T, key stage.Key, attempt int) string {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	def, _ := stage.Lookup(key)
	id, err := jobs.Queue{Repo: env.Engine.Repo, Now: env.Engine.Now}.Enqueue(env.Ctx, tx, jobs.Request{
		ProjectID:      projID,
		StageKey:       key,
		Kind:           def.JobKind,
		IdempotencyKey: jobs.IdempotencyKey(projID, key, attempt),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestEvaluateOnboardingGate(t *testing.T) {
	env := newTestEnv(t)

	env.evaluate(t)
	s := env.stageStatus(t, stage.Onboarding)
	if s.Status != domain.StageBlocked {
		t.Fatalf("want blocked, got %s", s.Status)
	}
	if len(s.BlockedReasons) == 0 || s.BlockedReasons[0] != "Client onboarding not submitted" {
		t.Fatalf("unexpected reasons: %v", s.BlockedReasons)
	}

	env.submitOnboarding(t)
	env.evaluate(t)
	if s := env.stageStatus(t, stage.Onboarding); s.Status != domain.StageReady {
		t.Fatalf("want ready, got %s", s.Status)
	}

	// A persisted ready state-only stage completes on the next pass.
	env.evaluate(t)
	if s := env.stageStatus(t, stage.Onboarding); s.Status != domain.StageComplete {
		t.Fatalf("want complete, got %s", s.Status)
	}
	if p := env.project(t); p.CurrentStage != stage.Assignment {
		t.Fatalf("want pointer at assignment, got %s", p.CurrentStage)
	}
}

func TestAssignmentGateDependsOnAutopilot(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.evaluate(t)
	env.evaluate(t)

	// Conditional autopilot tolerates the gap; a job will fill it.
	st := env.evaluate(t)
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageReady {
		t.Fatalf("want assignment ready under autopilot, got %s", s.Status)
	}
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageBlocked {
		t.Fatalf("want build blocked, got %s", s.Status)
	}
	if len(st.ReadyStages) != 1 || st.ReadyStages[0] != stage.Assignment {
		t.Fatalf("ready stages: %v", st.ReadyStages)
	}

	// Manual mode must surface the missing roles instead.
	if _, err := env.Engine.SetAutopilot(env.Ctx, projID, true, domain.AutopilotOff, "tester"); err != nil {
		t.Fatalf("set autopilot: %v", err)
	}
	env.evaluate(t)
	s := env.stageStatus(t, stage.Assignment)
	if s.Status != domain.StageBlocked {
		t.Fatalf("want assignment blocked in manual mode, got %s", s.Status)
	}
	if len(s.BlockedReasons) == 0 || s.BlockedReasons[0] != "Assignments missing: consultant/builder/tester" {
		t.Fatalf("unexpected reasons: %v", s.BlockedReasons)
	}
}

func TestAutoAdvanceDispatchesOnceAndChains(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 92)

	env.advance(t) // completes onboarding, no dispatch
	env.advance(t) // dispatches the assignment job

	s := env.stageStatus(t, stage.Assignment)
	if s.Status != domain.StageRunning || s.LastJobID == nil {
		t.Fatalf("want assignment running with job, got %s %v", s.Status, s.LastJobID)
	}
	firstJob := *s.LastJobID

	// Idempotent: re-triggering while the job is in flight changes nothing.
	env.advance(t)
	if s := env.stageStatus(t, stage.Assignment); s.LastJobID == nil || *s.LastJobID != firstJob {
		t.Fatalf("job id changed on re-trigger")
	}
	if n, err := env.Engine.Repo.CountRunningStages(env.Ctx, projID); err != nil || n != 1 {
		t.Fatalf("running stages = %d (%v)", n, err)
	}

	// Success completes the stage, moves the pointer and chains into build.
	if _, err := env.Engine.OnJobSuccess(env.Ctx, firstJob, "worker"); err != nil {
		t.Fatalf("on success: %v", err)
	}
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageComplete {
		t.Fatalf("want assignment complete, got %s", s.Status)
	}
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageRunning {
		t.Fatalf("want build running after chain, got %s", s.Status)
	}
	if n, _ := env.Engine.Repo.CountRunningStages(env.Ctx, projID); n != 1 {
		t.Fatalf("running stages = %d", n)
	}
}

func TestAutopilotOffHasNoDispatchSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 92)
	if _, err := env.Engine.SetAutopilot(env.Ctx, projID, true, domain.AutopilotOff, "tester"); err != nil {
		t.Fatalf("set autopilot: %v", err)
	}

	evalOnly := env.evaluate(t)
	advanced := env.advance(t)
	if advanced.CurrentStage != evalOnly.CurrentStage {
		t.Fatalf("current stage drifted: %s vs %s", advanced.CurrentStage, evalOnly.CurrentStage)
	}
	runs, err := env.Engine.Repo.ListJobRuns(env.Ctx, projID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected zero dispatches, got %d", len(runs))
	}
}

func TestReworkBelowCapReopensBuild(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 92)
	env.advance(t)
	env.advance(t)
	assignJob := *env.stageStatus(t, stage.Assignment).LastJobID
	if _, err := env.Engine.OnJobSuccess(env.Ctx, assignJob, "worker"); err != nil {
		t.Fatal(err)
	}
	buildJob := *env.stageStatus(t, stage.Build).LastJobID
	if _, err := env.Engine.OnJobSuccess(env.Ctx, buildJob, "worker"); err != nil {
		t.Fatal(err)
	}

	testJob := env.insertJobRun(t, stage.Test, 1)
	st, err := env.Engine.OnJobFailure(env.Ctx, testJob, "2 critical defects", "worker")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	p := env.project(t)
	if p.CurrentStage != stage.Build {
		t.Fatalf("want pointer back at build, got %s", p.CurrentStage)
	}
	if p.DefectCycleCount != 1 {
		t.Fatalf("want defect cycle 1, got %d", p.DefectCycleCount)
	}
	if p.Status != domain.ProjectActive {
		t.Fatalf("project should stay active below cap, got %s", p.Status)
	}
	if st.ProjectStatus != domain.ProjectActive {
		t.Fatalf("status snapshot disagrees: %s", st.ProjectStatus)
	}
}

func TestReworkCapParksProject(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 92)

	p := env.project(t)
	p.DefectCycleCount = 2 // at the configured cap
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateProjectOrchestration(env.Ctx, tx, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	testJob := env.insertJobRun(t, stage.Test, 1)
	if _, err := env.Engine.OnJobFailure(env.Ctx, testJob, "still failing", "worker"); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	p = env.project(t)
	if p.Status != domain.ProjectNeedsReview {
		t.Fatalf("want needs_review, got %s", p.Status)
	}
	if p.AutopilotEnabled {
		t.Fatalf("autopilot should be off")
	}

	before, _ := env.Engine.Repo.ListJobRuns(env.Ctx, projID, 100)
	env.advance(t)
	after, _ := env.Engine.Repo.ListJobRuns(env.Ctx, projID, 100)
	if len(after) != len(before) {
		t.Fatalf("parked project dispatched a job")
	}
}

type failingDispatcher struct{}

func (failingDispatcher) Enqueue(ctx context.Context, tx *sql.Tx, req jobs.Request) (string, error) {
	return "", errors.New("queue unavailable")
}

func (failingDispatcher) Status(ctx context.Context, jobID string) (string, error) {
	return "", repo.ErrNotFound
}

func TestCircuitBreakerTripsAfterThreeDispatchFailures(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return clock }
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 92)
	env.Engine.Jobs = failingDispatcher{}

	env.advance(t) // onboarding completes, still no dispatch attempt
	for i := 0; i < 3; i++ {
		env.advance(t)
	}

	p := env.project(t)
	if p.AutopilotEnabled {
		t.Fatalf("breaker did not disable autopilot")
	}
	if p.AutopilotLockUntil == nil {
		t.Fatalf("lock-until not set")
	}
	until, err := time.Parse(time.RFC3339, *p.AutopilotLockUntil)
	if err != nil || !until.After(env.Engine.Now()) {
		t.Fatalf("lock-until not in the future: %v %v", p.AutopilotLockUntil, err)
	}
	if p.AutopilotPausedReason == nil || !strings.Contains(*p.AutopilotPausedReason, "Circuit breaker") {
		t.Fatalf("unexpected pause reason: %v", p.AutopilotPausedReason)
	}

	// The lock inhibits dispatch even after an admin flips autopilot back on.
	env.Engine.Jobs = jobs.Queue{Repo: env.Engine.Repo, Now: env.Engine.Now}
	if _, err := env.Engine.SetAutopilot(env.Ctx, projID, true, domain.AutopilotConditional, "tester"); err != nil {
		t.Fatal(err)
	}
	st := env.advance(t)
	if !st.Safety.CircuitBreaker {
		t.Fatalf("breaker flag not surfaced while locked")
	}
	if s := env.stageStatus(t, stage.Assignment); s.LastJobID != nil {
		t.Fatalf("dispatched while the breaker lock is active")
	}

	clock = clock.Add(31 * time.Minute)
	env.advance(t)
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageRunning || s.LastJobID == nil {
		t.Fatalf("lock expiry did not resume dispatch: %s", s.Status)
	}
}

func TestStaleApprovalConflicts(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(projID)
	cfg.Autopilot.ThrottleSeconds = 0
	cfg.Gates.Defaults = map[string]config.GateRule{
		"assignment": {Approval: config.ApprovalConditional, ApproverRoles: []string{"delivery_lead"}},
	}
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, projID, cfg); err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.EnsureActor(env.Ctx, tx, "lead-1", "2025-06-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, tx, projID, "lead-1", "delivery_lead"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	env.submitOnboarding(t)
	env.assignTeam(t)
	env.evaluate(t)
	env.evaluate(t)
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageAwaitingApproval {
		t.Fatalf("want awaiting_approval, got %s", s.Status)
	}
	if _, err := env.Engine.Repo.GetPendingApproval(env.Ctx, projID, stage.Assignment); err != nil {
		t.Fatalf("pending approval missing: %v", err)
	}

	// Changing an assignment invalidates the recorded fingerprint.
	if err := env.Engine.Repo.UpsertAssignment(env.Ctx, projID, "tester", "t-2", "2025-06-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Approve(env.Ctx, projID, stage.Assignment, "lead-1", "lgtm")
	if !errors.Is(err, pipeline.ErrStaleApproval) {
		t.Fatalf("want ErrStaleApproval, got %v", err)
	}
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageAwaitingApproval {
		t.Fatalf("stale approve changed stage status to %s", s.Status)
	}

	// Re-evaluation re-requests against the new inputs; approval then sticks.
	env.evaluate(t)
	if _, err := env.Engine.Approve(env.Ctx, projID, stage.Assignment, "lead-1", "lgtm"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if s := env.stageStatus(t, stage.Assignment); s.Status != domain.StageRunning {
		t.Fatalf("want running after approval chain, got %s", s.Status)
	}
}

func TestApproverRoleRequired(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(projID)
	cfg.Autopilot.ThrottleSeconds = 0
	cfg.Gates.Defaults = map[string]config.GateRule{
		"assignment": {Approval: config.ApprovalConditional, ApproverRoles: []string{"delivery_lead"}},
	}
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, projID, cfg); err != nil {
		t.Fatal(err)
	}
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.evaluate(t)
	env.evaluate(t)

	_, err := env.Engine.Approve(env.Ctx, projID, stage.Assignment, "rando", "ok")
	if err == nil {
		t.Fatalf("expected forbidden error")
	}
}

func TestRejectBlocksStageAndPausesAutopilot(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(projID)
	cfg.Autopilot.ThrottleSeconds = 0
	cfg.Gates.Defaults = map[string]config.GateRule{
		"assignment": {Approval: config.ApprovalConditional},
	}
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, projID, cfg); err != nil {
		t.Fatal(err)
	}
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.evaluate(t)
	env.evaluate(t)

	st, err := env.Engine.Reject(env.Ctx, projID, stage.Assignment, "lead-1", "wrong consultant")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	s := env.stageStatus(t, stage.Assignment)
	if s.Status != domain.StageBlocked {
		t.Fatalf("want blocked, got %s", s.Status)
	}
	if len(s.BlockedReasons) == 0 || !strings.Contains(s.BlockedReasons[0], "wrong consultant") {
		t.Fatalf("rejection comment missing: %v", s.BlockedReasons)
	}
	p := env.project(t)
	if p.AutopilotEnabled {
		t.Fatalf("autopilot should be paused after rejection")
	}
	if st.PausedReason != "Approval rejected" {
		t.Fatalf("unexpected pause reason %q", st.PausedReason)
	}
}

func TestQualityThresholdGatesBuild(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(projID)
	cfg.Autopilot.ThrottleSeconds = 0
	minScore := 80
	cfg.Gates.Defaults = map[string]config.GateRule{
		"build": {Approval: config.ApprovalConditional, MinQualityScore: &minScore},
	}
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, projID, cfg); err != nil {
		t.Fatal(err)
	}
	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 70)

	env.advance(t)
	env.advance(t)
	assignJob := *env.stageStatus(t, stage.Assignment).LastJobID
	if _, err := env.Engine.OnJobSuccess(env.Ctx, assignJob, "worker"); err != nil {
		t.Fatal(err)
	}
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageAwaitingApproval {
		t.Fatalf("low score should require approval, got %s", s.Status)
	}

	// Raising the score above the threshold clears the gate on re-evaluation,
	// and the stale pending approval is superseded.
	env.selectTemplate(t, 95)
	env.advance(t)
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageRunning {
		t.Fatalf("want build running after score fix, got %s", s.Status)
	}
}

func TestContractFailureDegradesToBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.evaluate(t)
	env.evaluate(t)
	env.Engine.Contracts = brokenContracts{}

	st, err := env.Engine.Evaluate(env.Ctx, projID, "tester")
	if err != nil {
		t.Fatalf("evaluate must absorb contract failures: %v", err)
	}
	for _, row := range st.Stages {
		if row.StageKey == stage.Onboarding {
			if row.Status != domain.StageComplete {
				t.Fatalf("complete stages must survive degradation")
			}
			continue
		}
		if row.Status != domain.StageBlocked {
			t.Fatalf("stage %s not degraded: %s", row.StageKey, row.Status)
		}
		if len(row.BlockedReasons) == 0 || !strings.Contains(row.BlockedReasons[0], "Contract build failed") {
			t.Fatalf("missing contract error reason: %v", row.BlockedReasons)
		}
	}
}

type brokenContracts struct{}

func (brokenContracts) Get(ctx context.Context, projectID string) (*contract.Snapshot, error) {
	return nil, errors.New("contract store down")
}

func (brokenContracts) Rebuild(ctx context.Context, projectID string) (*contract.Snapshot, error) {
	return nil, errors.New("contract store down")
}

func TestThrottleWindowDefersDispatch(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return clock }
	cfg := config.Default(projID)
	cfg.Gates.Defaults = nil
	cfg.Autopilot.ThrottleSeconds = 10
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, projID, cfg); err != nil {
		t.Fatal(err)
	}

	env.submitOnboarding(t)
	env.assignTeam(t)
	env.selectTemplate(t, 90)

	env.advance(t) // onboarding completes, assignment becomes ready
	env.advance(t) // dispatches the assignment job
	s := env.stageStatus(t, stage.Assignment)
	if s.Status != domain.StageRunning || s.LastJobID == nil {
		t.Fatalf("assignment not dispatched: %s", s.Status)
	}

	// Success chains into another autopilot step, but the dispatch above
	// fell inside the throttle window so build must stay parked.
	st, err := env.Engine.OnJobSuccess(env.Ctx, *s.LastJobID, "tester")
	if err != nil {
		t.Fatalf("job success: %v", err)
	}
	if !st.Safety.CooldownActive {
		t.Fatalf("cooldown flag not set after chained advance")
	}
	st = env.advance(t)
	if !st.Safety.CooldownActive {
		t.Fatalf("cooldown flag not set on manual trigger")
	}
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageReady || s.LastJobID != nil {
		t.Fatalf("build dispatched inside the throttle window: %s", s.Status)
	}

	clock = clock.Add(11 * time.Second)
	env.advance(t)
	if s := env.stageStatus(t, stage.Build); s.Status != domain.StageRunning || s.LastJobID == nil {
		t.Fatalf("build not dispatched after the window passed: %s", s.Status)
	}
}

func TestContractSnapshotServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.submitOnboarding(t)
	env.evaluate(t)

	snap, err := env.Engine.Contract(env.Ctx, projID)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	if !snap.Onboarding.Submitted {
		t.Fatalf("snapshot missing onboarding submission")
	}
	if len(snap.Assignments) != 0 {
		t.Fatalf("unexpected assignments: %v", snap.Assignments)
	}

	// New inputs stay invisible until the next evaluation rebuilds the view.
	env.assignTeam(t)
	snap, err = env.Engine.Contract(env.Ctx, projID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Assignments) != 0 {
		t.Fatalf("cached snapshot rebuilt without an evaluation: %v", snap.Assignments)
	}

	env.evaluate(t)
	snap, err = env.Engine.Contract(env.Ctx, projID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Assignments["builder"] != "b-1" {
		t.Fatalf("rebuilt snapshot missing assignments: %v", snap.Assignments)
	}
}
