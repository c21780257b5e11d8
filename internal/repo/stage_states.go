package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"stageline/internal/domain"
	"stageline/internal/stage"
)

func marshalReasons(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalReasons(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
}

func scanStageState(scan func(dest ...any) error) (domain.StageState, error) {
	var s domain.StageState
	var key string
	var reasons, actions, jobID sql.NullString
	err := scan(&s.ProjectID, &key, &s.Status, &reasons, &actions, &jobID, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.StageKey = stage.Key(key)
	s.BlockedReasons = unmarshalReasons(reasons)
	s.RequiredActions = unmarshalReasons(actions)
	if jobID.Valid {
		s.LastJobID = &jobID.String
	}
	return s, nil
}

// UpsertStageState writes the full stage-state row. Stage rows are created
// lazily on first evaluation and never deleted.
func (r Repo) UpsertStageState(ctx context.Context, tx *sql.Tx, s domain.StageState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_states(project_id,stage_key,status,blocked_reasons_json,required_actions_json,last_job_id,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,stage_key) DO UPDATE SET
  status=excluded.status,
  blocked_reasons_json=excluded.blocked_reasons_json,
  required_actions_json=excluded.required_actions_json,
  last_job_id=excluded.last_job_id,
  updated_at=excluded.updated_at`,
		s.ProjectID, string(s.StageKey), s.Status, marshalReasons(s.BlockedReasons),
		marshalReasons(s.RequiredActions), nullablePtr(s.LastJobID), s.UpdatedAt)
	return err
}

func (r Repo) GetStageState(ctx context.Context, projectID string, key stage.Key) (domain.StageState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,stage_key,status,blocked_reasons_json,required_actions_json,last_job_id,updated_at
FROM stage_states WHERE project_id=? AND stage_key=?`, projectID, string(key))
	return scanStageState(row.Scan)
}

func (r Repo) GetStageStateTx(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key) (domain.StageState, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,stage_key,status,blocked_reasons_json,required_actions_json,last_job_id,updated_at
FROM stage_states WHERE project_id=? AND stage_key=?`, projectID, string(key))
	return scanStageState(row.Scan)
}

// ListStageStates returns stage rows keyed by stage for one project.
func (r Repo) ListStageStates(ctx context.Context, projectID string) (map[stage.Key]domain.StageState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,stage_key,status,blocked_reasons_json,required_actions_json,last_job_id,updated_at
FROM stage_states WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[stage.Key]domain.StageState{}
	for rows.Next() {
		s, err := scanStageState(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[s.StageKey] = s
	}
	return res, rows.Err()
}

func (r Repo) ListStageStatesTx(ctx context.Context, tx *sql.Tx, projectID string) (map[stage.Key]domain.StageState, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id,stage_key,status,blocked_reasons_json,required_actions_json,last_job_id,updated_at
FROM stage_states WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[stage.Key]domain.StageState{}
	for rows.Next() {
		s, err := scanStageState(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[s.StageKey] = s
	}
	return res, rows.Err()
}

// CountRunningStages reports how many stages of a project are running. The
// orchestrator keeps this at most one.
func (r Repo) CountRunningStages(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_states WHERE project_id=? AND status=?`,
		projectID, domain.StageRunning).Scan(&n)
	return n, err
}
