package server

import (
	"stageline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type AutopilotRequest struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode" enum:"off,conditional,full"`
}

type PauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResumeRequest struct {
	ResetFailures bool `json:"reset_failures,omitempty"`
}

type ApprovalDecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type JobFailureRequest struct {
	Error string `json:"error"`
}

type OnboardingRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
}

type AssignmentRequest struct {
	ActorID string `json:"actor_id"`
}

type TemplateRequest struct {
	TemplateID       string `json:"template_id"`
	ValidationStatus string `json:"validation_status" enum:"pending,passed,failed"`
	ValidationError  string `json:"validation_error,omitempty"`
	PreviewReady     bool   `json:"preview_ready"`
	QualityScore     *int   `json:"quality_score,omitempty"`
}

type StageOutputRequest struct {
	Output       map[string]any `json:"output,omitempty"`
	QualityScore *int           `json:"quality_score,omitempty"`
}

type SweepRequest struct {
	Batch int `json:"batch,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Status           string `json:"status"`
	Description      string `json:"description,omitempty"`
	CurrentStage     string `json:"current_stage"`
	AutopilotEnabled bool   `json:"autopilot_enabled"`
	AutopilotMode    string `json:"autopilot_mode"`
	DefectCycleCount int    `json:"defect_cycle_count"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:               p.ID,
		Kind:             p.Kind,
		Status:           p.Status,
		Description:      p.Description,
		CurrentStage:     string(p.CurrentStage),
		AutopilotEnabled: p.AutopilotEnabled,
		AutopilotMode:    p.AutopilotMode,
		DefectCycleCount: p.DefectCycleCount,
		CreatedAt:        p.CreatedAt,
	}
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	StageKey  string `json:"stage_key,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		StageKey:  e.StageKey,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
	}
}
