package repo

import (
	"context"
	"database/sql"

	"stageline/internal/stage"
)

// Contract input rows. These tables are written by the collaborating
// subsystems (or their CLI/HTTP stand-ins) and only read when assembling a
// contract snapshot.

type OnboardingSubmission struct {
	ProjectID   string  `json:"project_id"`
	Submitted   bool    `json:"submitted"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	SubmittedAt *string `json:"submitted_at,omitempty"`
}

func (r Repo) UpsertOnboarding(ctx context.Context, s OnboardingSubmission) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO onboarding_submissions(project_id,submitted,payload_json,submitted_at)
VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET submitted=excluded.submitted, payload_json=excluded.payload_json, submitted_at=excluded.submitted_at`,
		s.ProjectID, s.Submitted, nullable(s.PayloadJSON), nullablePtr(s.SubmittedAt))
	return err
}

func (r Repo) GetOnboarding(ctx context.Context, projectID string) (OnboardingSubmission, error) {
	var s OnboardingSubmission
	var payload, submittedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,submitted,payload_json,submitted_at FROM onboarding_submissions WHERE project_id=?`,
		projectID).Scan(&s.ProjectID, &s.Submitted, &payload, &submittedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if payload.Valid {
		s.PayloadJSON = payload.String
	}
	if submittedAt.Valid {
		s.SubmittedAt = &submittedAt.String
	}
	return s, nil
}

func (r Repo) UpsertAssignment(ctx context.Context, projectID, role, actorID, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stage_assignments(project_id,role,actor_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,role) DO UPDATE SET actor_id=excluded.actor_id`, projectID, role, actorID, now)
	return err
}

// ListAssignments returns role -> actor for a project.
func (r Repo) ListAssignments(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,actor_id FROM stage_assignments WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var role, actor string
		if err := rows.Scan(&role, &actor); err != nil {
			return nil, err
		}
		res[role] = actor
	}
	return res, rows.Err()
}

type TemplateSelection struct {
	ProjectID        string `json:"project_id"`
	TemplateID       string `json:"template_id"`
	ValidationStatus string `json:"validation_status"`
	ValidationError  string `json:"validation_error,omitempty"`
	PreviewReady     bool   `json:"preview_ready"`
	QualityScore     *int   `json:"quality_score,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

func (r Repo) UpsertTemplateSelection(ctx context.Context, t TemplateSelection) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO template_selections(project_id,template_id,validation_status,validation_error,preview_ready,quality_score,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET template_id=excluded.template_id, validation_status=excluded.validation_status,
validation_error=excluded.validation_error, preview_ready=excluded.preview_ready, quality_score=excluded.quality_score, updated_at=excluded.updated_at`,
		t.ProjectID, t.TemplateID, t.ValidationStatus, nullable(t.ValidationError), t.PreviewReady, t.QualityScore, t.UpdatedAt)
	return err
}

func (r Repo) GetTemplateSelection(ctx context.Context, projectID string) (TemplateSelection, error) {
	var t TemplateSelection
	var validationErr sql.NullString
	var score sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,template_id,validation_status,validation_error,preview_ready,quality_score,updated_at
FROM template_selections WHERE project_id=?`, projectID).
		Scan(&t.ProjectID, &t.TemplateID, &t.ValidationStatus, &validationErr, &t.PreviewReady, &score, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if validationErr.Valid {
		t.ValidationError = validationErr.String
	}
	if score.Valid {
		v := int(score.Int64)
		t.QualityScore = &v
	}
	return t, nil
}

type StageOutput struct {
	ProjectID    string    `json:"project_id"`
	StageKey     stage.Key `json:"stage_key"`
	OutputJSON   string    `json:"output_json,omitempty"`
	QualityScore *int      `json:"quality_score,omitempty"`
	UpdatedAt    string    `json:"updated_at"`
}

func (r Repo) UpsertStageOutput(ctx context.Context, o StageOutput) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stage_outputs(project_id,stage_key,output_json,quality_score,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(project_id,stage_key) DO UPDATE SET output_json=excluded.output_json, quality_score=excluded.quality_score, updated_at=excluded.updated_at`,
		o.ProjectID, string(o.StageKey), nullable(o.OutputJSON), o.QualityScore, o.UpdatedAt)
	return err
}

func (r Repo) ListStageOutputs(ctx context.Context, projectID string) ([]StageOutput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,stage_key,output_json,quality_score,updated_at FROM stage_outputs WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StageOutput
	for rows.Next() {
		var o StageOutput
		var key string
		var payload sql.NullString
		var score sql.NullInt64
		if err := rows.Scan(&o.ProjectID, &key, &payload, &score, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.StageKey = stage.Key(key)
		if payload.Valid {
			o.OutputJSON = payload.String
		}
		if score.Valid {
			v := int(score.Int64)
			o.QualityScore = &v
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpsertContract stores the rebuilt snapshot for a project.
func (r Repo) UpsertContract(ctx context.Context, projectID, snapshotJSON, builtAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO contracts(project_id,snapshot_json,built_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET snapshot_json=excluded.snapshot_json, built_at=excluded.built_at`,
		projectID, snapshotJSON, builtAt)
	return err
}

func (r Repo) GetContractRow(ctx context.Context, projectID string) (string, string, error) {
	var snapshot, builtAt string
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_json,built_at FROM contracts WHERE project_id=?`, projectID).
		Scan(&snapshot, &builtAt)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return snapshot, builtAt, err
}
