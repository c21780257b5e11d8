package domain

import "stageline/internal/stage"

// Project statuses.
const (
	ProjectActive      = "active"
	ProjectOnHold      = "on_hold"
	ProjectNeedsReview = "needs_review"
	ProjectArchived    = "archived"
)

// Autopilot modes.
const (
	AutopilotOff         = "off"
	AutopilotConditional = "conditional"
	AutopilotFull        = "full"
)

type Project struct {
	ID                    string    `json:"id"`
	Kind                  string    `json:"kind"`
	Status                string    `json:"status" enum:"active,on_hold,needs_review,archived"`
	Description           string    `json:"description,omitempty"`
	CurrentStage          stage.Key `json:"current_stage"`
	AutopilotEnabled      bool      `json:"autopilot_enabled"`
	AutopilotMode         string    `json:"autopilot_mode" enum:"off,conditional,full"`
	AutopilotFailureCount int       `json:"autopilot_failure_count"`
	AutopilotLockUntil    *string   `json:"autopilot_lock_until,omitempty" format:"date-time"`
	AutopilotPausedReason *string   `json:"autopilot_paused_reason,omitempty"`
	AutopilotLastActionAt *string   `json:"autopilot_last_action_at,omitempty" format:"date-time"`
	DefectCycleCount      int       `json:"defect_cycle_count"`
	CreatedAt             string    `json:"created_at" format:"date-time"`
}

// Stage state statuses.
const (
	StageNotStarted       = "not_started"
	StageReady            = "ready"
	StageBlocked          = "blocked"
	StageAwaitingApproval = "awaiting_approval"
	StageRunning          = "running"
	StageComplete         = "complete"
	StageFailed           = "failed"
)

type StageState struct {
	ProjectID       string    `json:"project_id"`
	StageKey        stage.Key `json:"stage_key"`
	Status          string    `json:"status" enum:"not_started,ready,blocked,awaiting_approval,running,complete,failed"`
	BlockedReasons  []string  `json:"blocked_reasons,omitempty"`
	RequiredActions []string  `json:"required_actions,omitempty"`
	LastJobID       *string   `json:"last_job_id,omitempty"`
	UpdatedAt       string    `json:"updated_at" format:"date-time"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

type StageApproval struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	StageKey          stage.Key `json:"stage_key"`
	Status            string    `json:"status" enum:"pending,approved,rejected"`
	ReviewerID        *string   `json:"reviewer_id,omitempty"`
	Comment           string    `json:"comment,omitempty"`
	GateRuleJSON      string    `json:"gate_rule_json,omitempty"`
	InputsFingerprint string    `json:"inputs_fingerprint"`
	CreatedAt         string    `json:"created_at" format:"date-time"`
	UpdatedAt         string    `json:"updated_at" format:"date-time"`
}

// Job run statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

type JobRun struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	StageKey       stage.Key `json:"stage_key"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status" enum:"queued,running,succeeded,failed"`
	PayloadJSON    string    `json:"payload_json,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	StageKey  string `json:"stage_key,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// SafetyFlags surfaces the autopilot interlocks in PipelineStatus.
type SafetyFlags struct {
	AmbiguousNextStage bool `json:"ambiguous_next_stage"`
	CircuitBreaker     bool `json:"circuit_breaker"`
	CooldownActive     bool `json:"cooldown_active"`
}

// PipelineStatus is the shape every control-surface operation returns.
type PipelineStatus struct {
	ProjectID        string          `json:"project_id"`
	ProjectStatus    string          `json:"project_status"`
	CurrentStage     stage.Key       `json:"current_stage"`
	AutopilotEnabled bool            `json:"autopilot_enabled"`
	AutopilotMode    string          `json:"autopilot_mode"`
	PausedReason     string          `json:"paused_reason,omitempty"`
	Stages           []StageState    `json:"stages"`
	ReadyStages      []stage.Key     `json:"ready_stages,omitempty"`
	BlockedSummary   []string        `json:"blocked_summary,omitempty"`
	Safety           SafetyFlags     `json:"safety"`
	PendingApprovals []StageApproval `json:"pending_approvals,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
