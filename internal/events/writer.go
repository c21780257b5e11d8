package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the orchestrator. The log is append-only; rows are
// never updated or deleted here.
const (
	Evaluated        = "EVALUATED"
	AutoEnqueued     = "AUTO_ENQUEUED"
	AutoPaused       = "AUTO_PAUSED"
	AutoResumed      = "AUTO_RESUMED"
	CircuitBreaker   = "CIRCUIT_BREAKER"
	JobCompleted     = "JOB_COMPLETED"
	JobFailed        = "JOB_FAILED"
	ApprovalGranted  = "APPROVAL_GRANTED"
	ApprovalRejected = "APPROVAL_REJECTED"
	ProjectCreated   = "PROJECT_CREATED"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one pipeline event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, stageKey, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,stage_key,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, projectID, nullable(stageKey), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
