package pipeline

import (
	"context"
	"log"
)

// SweepReport summarizes one sweeper pass.
type SweepReport struct {
	Scanned  int      `json:"scanned"`
	Advanced int      `json:"advanced"`
	Errors   []string `json:"errors,omitempty"`
}

// RunSweeper is the periodic backstop for missed triggers: it scans a bounded
// batch of active autopilot-enabled projects and runs AutoAdvance on each.
// Per-project failures are logged and collected; one bad project never blocks
// the rest of the sweep.
func (e Engine) RunSweeper(ctx context.Context, batch int) (SweepReport, error) {
	if batch <= 0 {
		batch = 25
	}
	ids, err := e.Repo.ListSweepCandidates(ctx, batch)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Scanned: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := e.AutoAdvance(ctx, id, TriggerSweeper, systemActor); err != nil {
			log.Printf("sweeper: project %s: %v", id, err)
			report.Errors = append(report.Errors, id+": "+err.Error())
			continue
		}
		report.Advanced++
	}
	return report, nil
}
