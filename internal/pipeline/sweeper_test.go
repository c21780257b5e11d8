package pipeline_test

import (
	"strings"
	"testing"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/stage"
)

func seedSweepProjects(t *testing.T, env *testEnv, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.Engine.InitProject(env.Ctx, id, "swept project", "tester"); err != nil {
			t.Fatalf("init %s: %v", id, err)
		}
		cfg := config.Default(id)
		cfg.Gates.Defaults = nil
		cfg.Autopilot.ThrottleSeconds = 0
		if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, id, cfg); err != nil {
			t.Fatalf("seed config %s: %v", id, err)
		}
	}
}

func TestSweeperBoundsBatch(t *testing.T) {
	env := newTestEnv(t)
	seedSweepProjects(t, env, "proj-2", "proj-3")

	report, err := env.Engine.RunSweeper(env.Ctx, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 2 {
		t.Fatalf("batch bound ignored: scanned %d", report.Scanned)
	}
	if report.Advanced != 2 || len(report.Errors) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestSweeperIsolatesFailingProjects(t *testing.T) {
	env := newTestEnv(t)
	seedSweepProjects(t, env, "proj-2", "proj-3")

	// Corrupt one row so its evaluation fails outright; the sweep must
	// carry on past it.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE projects SET defect_cycle_count='broken' WHERE id='proj-2'`); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.RunSweeper(env.Ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 3 || report.Advanced != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || !strings.HasPrefix(report.Errors[0], "proj-2:") {
		t.Fatalf("failure not isolated: %v", report.Errors)
	}

	// The healthy projects were still evaluated: their stage rows exist and
	// onboarding is blocked awaiting the client submission.
	for _, id := range []string{projID, "proj-3"} {
		s, err := env.Engine.Repo.GetStageState(env.Ctx, id, stage.Onboarding)
		if err != nil {
			t.Fatalf("stage state %s: %v", id, err)
		}
		if s.Status != domain.StageBlocked {
			t.Fatalf("%s onboarding: want blocked, got %s", id, s.Status)
		}
	}
}
