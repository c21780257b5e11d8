// Package jobs hands units of work to the external job-execution system. The
// orchestrator enqueues exactly one run per stage transition and reads status
// back; running the work is someone else's problem.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Request describes one unit of work to enqueue.
type Request struct {
	ProjectID      string
	StageKey       stage.Key
	Kind           string
	PayloadJSON    string
	IdempotencyKey string
}

// Dispatcher enqueues work and reports job status.
type Dispatcher interface {
	// Enqueue returns the job id. Re-enqueueing with an idempotency key that
	// was already used returns the existing job id without creating a new run.
	Enqueue(ctx context.Context, tx *sql.Tx, req Request) (string, error)
	Status(ctx context.Context, jobID string) (string, error)
}

// IdempotencyKey derives a deterministic key from project, stage and attempt.
func IdempotencyKey(projectID string, key stage.Key, attempt int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", projectID, key, attempt))).String()
}

// Queue is the default dispatcher, backed by the job_runs table that the
// external workers poll.
type Queue struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q Queue) Enqueue(ctx context.Context, tx *sql.Tx, req Request) (string, error) {
	if req.IdempotencyKey == "" {
		return "", errors.New("idempotency key required")
	}
	if existing, err := q.Repo.GetJobRunByIdempotencyKey(ctx, tx, req.IdempotencyKey); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	now := q.now().UTC().Format(time.RFC3339)
	run := domain.JobRun{
		ID:             uuid.New().String(),
		ProjectID:      req.ProjectID,
		StageKey:       req.StageKey,
		Kind:           req.Kind,
		Status:         domain.JobQueued,
		PayloadJSON:    req.PayloadJSON,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.Repo.InsertJobRun(ctx, tx, run); err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", req.ProjectID, req.StageKey, err)
	}
	return run.ID, nil
}

func (q Queue) Status(ctx context.Context, jobID string) (string, error) {
	run, err := q.Repo.GetJobRun(ctx, jobID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}
