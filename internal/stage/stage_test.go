package stage_test

import (
	"testing"

	"stageline/internal/stage"
)

func TestOrderAndNext(t *testing.T) {
	if stage.Order(stage.Onboarding) != 0 {
		t.Fatalf("onboarding should be first")
	}
	if stage.Order(stage.Complete) != len(stage.All())-1 {
		t.Fatalf("complete should be last")
	}
	next, ok := stage.Next(stage.Build)
	if !ok || next != stage.Test {
		t.Fatalf("build should advance to test, got %s", next)
	}
	if _, ok := stage.Next(stage.Complete); ok {
		t.Fatalf("complete has no successor")
	}
}

func TestParse(t *testing.T) {
	k, err := stage.Parse("defect_validation")
	if err != nil || k != stage.DefectValidation {
		t.Fatalf("parse defect_validation: %v", err)
	}
	if _, err := stage.Parse("shipping"); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestStateOnlyStagesHaveNoJobKind(t *testing.T) {
	for _, d := range stage.All() {
		if d.StateOnly && d.JobKind != "" {
			t.Fatalf("stage %s is state-only but has job kind %s", d.Key, d.JobKind)
		}
		if !d.StateOnly && d.JobKind == "" {
			t.Fatalf("stage %s needs a job kind", d.Key)
		}
	}
}

func TestVerificationStages(t *testing.T) {
	if !stage.Verification(stage.Test) || !stage.Verification(stage.DefectValidation) {
		t.Fatalf("test and defect_validation are verification stages")
	}
	if stage.Verification(stage.Build) {
		t.Fatalf("build is not a verification stage")
	}
}
