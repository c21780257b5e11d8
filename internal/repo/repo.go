package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/stage"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,kind,status,COALESCE(description,'') AS description,current_stage,
autopilot_enabled,autopilot_mode,autopilot_failure_count,autopilot_lock_until,
autopilot_paused_reason,autopilot_last_action_at,defect_cycle_count,created_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var cur string
	var lockUntil, pausedReason, lastAction sql.NullString
	err := scan(&p.ID, &p.Kind, &p.Status, &p.Description, &cur,
		&p.AutopilotEnabled, &p.AutopilotMode, &p.AutopilotFailureCount, &lockUntil,
		&pausedReason, &lastAction, &p.DefectCycleCount, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CurrentStage = stage.Key(cur)
	if lockUntil.Valid {
		p.AutopilotLockUntil = &lockUntil.String
	}
	if pausedReason.Valid {
		p.AutopilotPausedReason = &pausedReason.String
	}
	if lastAction.Valid {
		p.AutopilotLastActionAt = &lastAction.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,current_stage,
autopilot_enabled,autopilot_mode,autopilot_failure_count,defect_cycle_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), string(p.CurrentStage),
		p.AutopilotEnabled, p.AutopilotMode, p.AutopilotFailureCount, p.DefectCycleCount, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

// SingleProject returns the only project in the workspace, or an error asking
// the caller to disambiguate.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return items[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListSweepCandidates returns active, autopilot-enabled projects for the
// sweeper, oldest autopilot action first, bounded by limit.
func (r Repo) ListSweepCandidates(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects
WHERE status=? AND autopilot_enabled=1 AND autopilot_mode != ?
ORDER BY COALESCE(autopilot_last_action_at,'') ASC, id ASC LIMIT ?`,
		domain.ProjectActive, domain.AutopilotOff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateProjectOrchestration writes every project field the orchestrator
// owns. It is the only writer of these columns.
func (r Repo) UpdateProjectOrchestration(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, current_stage=?,
autopilot_enabled=?, autopilot_mode=?, autopilot_failure_count=?, autopilot_lock_until=?,
autopilot_paused_reason=?, autopilot_last_action_at=?, defect_cycle_count=? WHERE id=?`,
		p.Status, string(p.CurrentStage), p.AutopilotEnabled, p.AutopilotMode,
		p.AutopilotFailureCount, nullablePtr(p.AutopilotLockUntil), nullablePtr(p.AutopilotPausedReason),
		nullablePtr(p.AutopilotLastActionAt), p.DefectCycleCount, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProjectDescription(ctx context.Context, id string, description *string) error {
	if description == nil {
		return nil
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET description=? WHERE id=?`, nullable(*description), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var stageKey sql.NullString
	if err := scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &stageKey, &e.ActorID, &e.Payload); err != nil {
		return e, err
	}
	if stageKey.Valid {
		e.StageKey = stageKey.String
	}
	return e, nil
}

// ListEvents returns the most recent events for a project, newest first.
func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,project_id,stage_key,actor_id,payload_json
FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,project_id,stage_key,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
