package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/stage"
)

// The sequential evaluator computes at most one ready stage per pass, so the
// ambiguity guard is exercised directly against engineered state.

func newAmbiguityEnv(t *testing.T) (Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return eng, ctx
}

func seedReady(t *testing.T, eng Engine, ctx context.Context, keys ...stage.Key) {
	t.Helper()
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		err := eng.Repo.UpsertStageState(ctx, tx, domain.StageState{
			ProjectID: "proj-1", StageKey: k, Status: domain.StageReady, UpdatedAt: eng.nowString(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestStatusFlagsAmbiguity(t *testing.T) {
	eng, ctx := newAmbiguityEnv(t)
	seedReady(t, eng, ctx, stage.Assignment, stage.Build)

	st, err := eng.buildStatus(ctx, "proj-1")
	if err != nil {
		t.Fatalf("build status: %v", err)
	}
	if !st.Safety.AmbiguousNextStage {
		t.Fatalf("ambiguity flag not set for ready stages %v", st.ReadyStages)
	}
}

func TestPauseForAmbiguityDispatchesNothing(t *testing.T) {
	eng, ctx := newAmbiguityEnv(t)
	seedReady(t, eng, ctx, stage.Assignment, stage.Build)

	p, err := eng.Repo.GetProject(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	st, err := eng.pauseForAmbiguity(ctx, p, []stage.Key{stage.Assignment, stage.Build}, systemActor)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if st.AutopilotEnabled {
		t.Fatalf("autopilot still enabled")
	}
	if !strings.Contains(st.PausedReason, "Ambiguous next stage") {
		t.Fatalf("unexpected reason %q", st.PausedReason)
	}
	runs, err := eng.Repo.ListJobRuns(ctx, "proj-1", 10)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected zero job runs, got %d (%v)", len(runs), err)
	}

	evs, err := eng.Repo.ListEvents(ctx, "proj-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	var paused bool
	for _, ev := range evs {
		if ev.Type == "AUTO_PAUSED" {
			paused = true
		}
	}
	if !paused {
		t.Fatalf("AUTO_PAUSED event missing")
	}
}
