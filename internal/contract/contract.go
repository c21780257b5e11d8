// Package contract assembles the read-only project snapshot the orchestrator
// evaluates against. The snapshot is the single source of truth for gate
// preconditions; nothing here mutates project state.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Required delivery roles. Assignment is not complete until all three exist.
var RequiredRoles = []string{"consultant", "builder", "tester"}

type Onboarding struct {
	Submitted   bool           `json:"submitted"`
	SubmittedAt string         `json:"submitted_at,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

type Template struct {
	ID               string `json:"id,omitempty"`
	ValidationStatus string `json:"validation_status,omitempty"`
	ValidationError  string `json:"validation_error,omitempty"`
	PreviewReady     bool   `json:"preview_ready"`
	QualityScore     *int   `json:"quality_score,omitempty"`
}

type StageOutput struct {
	QualityScore *int           `json:"quality_score,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Snapshot is a point-in-time view of everything gate evaluation may read.
type Snapshot struct {
	ProjectID    string                    `json:"project_id"`
	BuiltAt      string                    `json:"built_at"`
	Onboarding   Onboarding                `json:"onboarding"`
	Assignments  map[string]string         `json:"assignments,omitempty"`
	Template     Template                  `json:"template"`
	StageOutputs map[stage.Key]StageOutput `json:"stage_outputs,omitempty"`
}

// MissingRoles lists required roles with no assignment, in canonical order.
func (s *Snapshot) MissingRoles() []string {
	var missing []string
	for _, role := range RequiredRoles {
		if s.Assignments[role] == "" {
			missing = append(missing, role)
		}
	}
	return missing
}

// Source produces and caches contract snapshots. Get may return a previously
// built snapshot; Rebuild recomputes from the input tables and persists the
// result.
type Source interface {
	Get(ctx context.Context, projectID string) (*Snapshot, error)
	Rebuild(ctx context.Context, projectID string) (*Snapshot, error)
}

// SQLSource builds snapshots from the contract input tables.
type SQLSource struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQLSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLSource) Get(ctx context.Context, projectID string) (*Snapshot, error) {
	raw, _, err := s.Repo.GetContractRow(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return s.Rebuild(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	return &snap, nil
}

func (s SQLSource) Rebuild(ctx context.Context, projectID string) (*Snapshot, error) {
	if _, err := s.Repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("contract project: %w", err)
	}
	snap := &Snapshot{
		ProjectID:    projectID,
		BuiltAt:      s.now().UTC().Format(time.RFC3339),
		StageOutputs: map[stage.Key]StageOutput{},
	}

	ob, err := s.Repo.GetOnboarding(ctx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("contract onboarding: %w", err)
	}
	if err == nil {
		snap.Onboarding.Submitted = ob.Submitted
		if ob.SubmittedAt != nil {
			snap.Onboarding.SubmittedAt = *ob.SubmittedAt
		}
		if ob.PayloadJSON != "" {
			_ = json.Unmarshal([]byte(ob.PayloadJSON), &snap.Onboarding.Fields)
		}
	}

	assignments, err := s.Repo.ListAssignments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("contract assignments: %w", err)
	}
	if len(assignments) > 0 {
		snap.Assignments = assignments
	}

	tpl, err := s.Repo.GetTemplateSelection(ctx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("contract template: %w", err)
	}
	if err == nil {
		snap.Template = Template{
			ID:               tpl.TemplateID,
			ValidationStatus: tpl.ValidationStatus,
			ValidationError:  tpl.ValidationError,
			PreviewReady:     tpl.PreviewReady,
			QualityScore:     tpl.QualityScore,
		}
	}

	outputs, err := s.Repo.ListStageOutputs(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("contract stage outputs: %w", err)
	}
	for _, o := range outputs {
		out := StageOutput{QualityScore: o.QualityScore}
		if o.OutputJSON != "" {
			_ = json.Unmarshal([]byte(o.OutputJSON), &out.Payload)
		}
		snap.StageOutputs[o.StageKey] = out
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	if err := s.Repo.UpsertContract(ctx, projectID, string(payload), snap.BuiltAt); err != nil {
		return nil, fmt.Errorf("store contract: %w", err)
	}
	return snap, nil
}
