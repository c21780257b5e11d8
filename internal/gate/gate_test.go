package gate_test

import (
	"testing"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/domain"
	"stageline/internal/gate"
	"stageline/internal/stage"
)

func intp(v int) *int { return &v }

func TestResolveGateOverrides(t *testing.T) {
	p := gate.Policy{}
	globals := map[string]config.GateRule{
		"build": {Approval: config.ApprovalConditional, ApproverRoles: []string{"delivery_lead"}, MinQualityScore: intp(80)},
	}
	overrides := map[string]config.GateRule{
		"build": {Approval: config.ApprovalAlways},
	}
	rule := p.ResolveGate(stage.Build, globals, overrides)
	if rule.Approval != config.ApprovalAlways {
		t.Fatalf("override should win: %s", rule.Approval)
	}
	if len(rule.ApproverRoles) != 1 || rule.ApproverRoles[0] != "delivery_lead" {
		t.Fatalf("unset override fields keep global values: %v", rule.ApproverRoles)
	}
	if rule.MinQualityScore == nil || *rule.MinQualityScore != 80 {
		t.Fatalf("threshold should survive partial override")
	}
}

func TestResolveGateUnknownStageDefaultsToNever(t *testing.T) {
	rule := gate.Policy{}.ResolveGate(stage.Test, nil, nil)
	if rule.Approval != config.ApprovalNever {
		t.Fatalf("missing rule should default to never, got %s", rule.Approval)
	}
}

func TestShouldRequireApproval(t *testing.T) {
	p := gate.Policy{}
	gctx := gate.Context{StageKey: stage.Build, QualityScore: intp(90)}

	if ok, _ := p.ShouldRequireApproval(config.GateRule{Approval: config.ApprovalNever}, gctx, domain.AutopilotConditional); ok {
		t.Fatalf("never-rule must not require approval")
	}
	// Unconditional gates hold even under full autopilot.
	if ok, _ := p.ShouldRequireApproval(config.GateRule{Approval: config.ApprovalAlways}, gctx, domain.AutopilotFull); !ok {
		t.Fatalf("always-rule must require approval in full mode")
	}
	rule := config.GateRule{Approval: config.ApprovalConditional, MinQualityScore: intp(80)}
	if ok, _ := p.ShouldRequireApproval(rule, gctx, domain.AutopilotFull); ok {
		t.Fatalf("score above threshold should pass")
	}
	low := gate.Context{StageKey: stage.Build, QualityScore: intp(60)}
	ok, reasons := p.ShouldRequireApproval(rule, low, domain.AutopilotFull)
	if !ok || len(reasons) == 0 {
		t.Fatalf("score below threshold should require approval with a reason")
	}
	missing := gate.Context{StageKey: stage.Build}
	if ok, _ := p.ShouldRequireApproval(rule, missing, domain.AutopilotFull); !ok {
		t.Fatalf("missing score should require approval")
	}
}

func TestInputsFingerprintStability(t *testing.T) {
	p := gate.Policy{}
	snap := &contract.Snapshot{
		ProjectID:   "p1",
		Assignments: map[string]string{"consultant": "a", "builder": "b", "tester": "c"},
		Template:    contract.Template{ID: "tpl-1", ValidationStatus: "passed", PreviewReady: true, QualityScore: intp(85)},
	}
	fp1 := p.InputsFingerprint(snap, stage.Build)
	fp2 := p.InputsFingerprint(snap, stage.Build)
	if fp1 == "" || fp1 != fp2 {
		t.Fatalf("fingerprint must be stable, got %q vs %q", fp1, fp2)
	}
	if p.InputsFingerprint(snap, stage.Assignment) == fp1 {
		t.Fatalf("different stages must fingerprint differently")
	}
	changed := *snap
	changed.Template.QualityScore = intp(60)
	if p.InputsFingerprint(&changed, stage.Build) == fp1 {
		t.Fatalf("changed inputs must change fingerprint")
	}
}
