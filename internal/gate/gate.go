// Package gate decides whether a stage that is otherwise ready still needs a
// human sign-off, and fingerprints the inputs that justified a pending
// approval so staleness can be detected cheaply.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/domain"
	"stageline/internal/stage"
)

// Context carries the contract-derived facts a gate rule may inspect.
type Context struct {
	ProjectID           string
	StageKey            stage.Key
	OnboardingSubmitted bool
	Assignments         map[string]string
	TemplateID          string
	TemplateValidation  string
	PreviewReady        bool
	QualityScore        *int
}

// BuildContext derives the gate context for one stage from a snapshot.
func BuildContext(snap *contract.Snapshot, key stage.Key) Context {
	gctx := Context{
		ProjectID:           snap.ProjectID,
		StageKey:            key,
		OnboardingSubmitted: snap.Onboarding.Submitted,
		Assignments:         snap.Assignments,
		TemplateID:          snap.Template.ID,
		TemplateValidation:  snap.Template.ValidationStatus,
		PreviewReady:        snap.Template.PreviewReady,
	}
	if out, ok := snap.StageOutputs[key]; ok && out.QualityScore != nil {
		gctx.QualityScore = out.QualityScore
	} else if key == stage.Build {
		gctx.QualityScore = snap.Template.QualityScore
	}
	return gctx
}

// Resolver is the HITL gate policy interface the orchestrator consumes. It
// answers policy questions only; persisting the answer is the caller's job.
type Resolver interface {
	ResolveGate(key stage.Key, globals, overrides map[string]config.GateRule) config.GateRule
	ShouldRequireApproval(rule config.GateRule, gctx Context, autopilotMode string) (bool, []string)
	InputsFingerprint(snap *contract.Snapshot, key stage.Key) string
}

// Policy is the default resolver: per-project overrides win field by field
// over the global defaults.
type Policy struct{}

func (Policy) ResolveGate(key stage.Key, globals, overrides map[string]config.GateRule) config.GateRule {
	rule, ok := globals[string(key)]
	if !ok {
		rule = config.GateRule{Approval: config.ApprovalNever}
	}
	if over, ok := overrides[string(key)]; ok {
		if over.Approval != "" {
			rule.Approval = over.Approval
		}
		if len(over.ApproverRoles) > 0 {
			rule.ApproverRoles = over.ApproverRoles
		}
		if over.MinQualityScore != nil {
			rule.MinQualityScore = over.MinQualityScore
		}
	}
	return rule
}

func (Policy) ShouldRequireApproval(rule config.GateRule, gctx Context, autopilotMode string) (bool, []string) {
	switch rule.Approval {
	case config.ApprovalNever:
		return false, nil
	case config.ApprovalAlways:
		// Unconditional gates hold even in full autopilot mode.
		return true, []string{fmt.Sprintf("Stage %s always requires approval", gctx.StageKey)}
	}
	if rule.MinQualityScore == nil {
		if autopilotMode == domain.AutopilotFull {
			return false, nil
		}
		return true, []string{fmt.Sprintf("Stage %s requires approval in %s mode", gctx.StageKey, autopilotMode)}
	}
	if gctx.QualityScore == nil {
		return true, []string{fmt.Sprintf("Quality score unavailable for stage %s", gctx.StageKey)}
	}
	if *gctx.QualityScore < *rule.MinQualityScore {
		return true, []string{fmt.Sprintf("Quality score %d below threshold %d", *gctx.QualityScore, *rule.MinQualityScore)}
	}
	return false, nil
}

// InputsFingerprint hashes the gate-relevant contract inputs for one stage.
// Two snapshots that would gate identically produce the same fingerprint.
func (Policy) InputsFingerprint(snap *contract.Snapshot, key stage.Key) string {
	gctx := BuildContext(snap, key)
	type pair struct {
		Role  string `json:"role"`
		Actor string `json:"actor"`
	}
	assignments := make([]pair, 0, len(gctx.Assignments))
	for role, actor := range gctx.Assignments {
		assignments = append(assignments, pair{Role: role, Actor: actor})
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].Role < assignments[j].Role })
	canonical := struct {
		ProjectID           string    `json:"project_id"`
		StageKey            stage.Key `json:"stage_key"`
		OnboardingSubmitted bool      `json:"onboarding_submitted"`
		Assignments         []pair    `json:"assignments"`
		TemplateID          string    `json:"template_id"`
		TemplateValidation  string    `json:"template_validation"`
		PreviewReady        bool      `json:"preview_ready"`
		QualityScore        *int      `json:"quality_score"`
	}{
		ProjectID:           gctx.ProjectID,
		StageKey:            gctx.StageKey,
		OnboardingSubmitted: gctx.OnboardingSubmitted,
		Assignments:         assignments,
		TemplateID:          gctx.TemplateID,
		TemplateValidation:  gctx.TemplateValidation,
		PreviewReady:        gctx.PreviewReady,
		QualityScore:        gctx.QualityScore,
	}
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
