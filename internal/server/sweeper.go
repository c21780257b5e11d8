package server

import (
	"context"
	"log"
	"time"

	"stageline/internal/pipeline"
)

const defaultSweepBatch = 25

// startSweeper runs periodic autopilot passes over every active project so
// stalled pipelines recover without an external caller.
func startSweeper(e pipeline.Engine, every time.Duration, batch int) {
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			report, err := e.RunSweeper(context.Background(), batch)
			if err != nil {
				log.Printf("sweeper: pass failed: %v", err)
			} else if len(report.Errors) > 0 {
				log.Printf("sweeper: scanned %d, advanced %d, %d errors", report.Scanned, report.Advanced, len(report.Errors))
			}
			<-ticker.C
		}
	}()
}
