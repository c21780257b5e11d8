package pipeline

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
	"stageline/internal/stage"
)

// The functions in this file are the only writers of the project's
// current-stage pointer. Everything else reads it.

// advancePointer moves the pointer to the stage after `from`, but only when
// the pointer actually sits on `from`; out-of-order completions do not move
// it backwards or skip ahead.
func advancePointer(p *domain.Project, from stage.Key) {
	if p.CurrentStage != from {
		return
	}
	if next, ok := stage.Next(from); ok {
		p.CurrentStage = next
	}
}

// reworkToBuild sends the pointer back to Build and re-opens the Build stage
// so the next evaluation treats it as fresh work.
func (e Engine) reworkToBuild(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	p.CurrentStage = stage.Build
	state := domain.StageState{
		ProjectID:       p.ID,
		StageKey:        stage.Build,
		Status:          domain.StageNotStarted,
		RequiredActions: []string{"Rework: address reported defects"},
		UpdatedAt:       e.nowString(),
	}
	return e.Repo.UpsertStageState(ctx, tx, state)
}
