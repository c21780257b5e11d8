package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
	"stageline/internal/stage"
)

const jobColumns = `id,project_id,stage_key,kind,status,payload_json,idempotency_key,error,created_at,updated_at`

func scanJobRun(scan func(dest ...any) error) (domain.JobRun, error) {
	var j domain.JobRun
	var key string
	var payload, jobErr sql.NullString
	err := scan(&j.ID, &j.ProjectID, &key, &j.Kind, &j.Status, &payload, &j.IdempotencyKey, &jobErr, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.StageKey = stage.Key(key)
	if payload.Valid {
		j.PayloadJSON = payload.String
	}
	if jobErr.Valid {
		j.Error = jobErr.String
	}
	return j, nil
}

func (r Repo) InsertJobRun(ctx context.Context, tx *sql.Tx, j domain.JobRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_runs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, string(j.StageKey), j.Kind, j.Status, nullable(j.PayloadJSON),
		j.IdempotencyKey, nullable(j.Error), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJobRun(ctx context.Context, id string) (domain.JobRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id=?`, id)
	return scanJobRun(row.Scan)
}

func (r Repo) GetJobRunByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (domain.JobRun, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE idempotency_key=?`, key)
	return scanJobRun(row.Scan)
}

func (r Repo) ListJobRuns(ctx context.Context, projectID string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE project_id=? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRun
	for rows.Next() {
		j, err := scanJobRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CountJobRuns reports how many runs were ever dispatched for a stage. The
// next attempt number derives from it.
func (r Repo) CountJobRunsTx(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs WHERE project_id=? AND stage_key=?`,
		projectID, string(key)).Scan(&n)
	return n, err
}

// SetJobRunStatus records the terminal or running status reported by the
// job-execution system.
func (r Repo) SetJobRunStatus(ctx context.Context, tx *sql.Tx, id, status, errMsg, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE job_runs SET status=?, error=?, updated_at=? WHERE id=?`,
		status, nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
