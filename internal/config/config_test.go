package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("acme-portal")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "acme-portal" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	build, ok := cfg.Gates.Defaults["build"]
	if !ok {
		t.Fatalf("default config missing build gate")
	}
	if build.Approval != ApprovalConditional {
		t.Fatalf("build approval = %q, want conditional", build.Approval)
	}
	if build.MinQualityScore == nil || *build.MinQualityScore != 80 {
		t.Fatalf("build min_quality_score = %v, want 80", build.MinQualityScore)
	}
	if cfg.Autopilot.DefectCycleCap != 2 {
		t.Fatalf("defect_cycle_cap = %d, want 2", cfg.Autopilot.DefectCycleCap)
	}
	if cfg.Autopilot.FailureThreshold != 3 {
		t.Fatalf("failure_threshold = %d, want 3", cfg.Autopilot.FailureThreshold)
	}
}

func TestFromYAMLRejectsBadGates(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown stage key",
			yaml: `project: {id: p1, kind: delivery-project}
gates:
  defaults:
    deploy: {approval: never}
autopilot: {throttle_seconds: 10, failure_threshold: 3, lock_minutes: 30, defect_cycle_cap: 2, sweeper_batch: 25}`,
			want: "gates.defaults",
		},
		{
			name: "bad approval mode",
			yaml: `project: {id: p1, kind: delivery-project}
gates:
  defaults:
    build: {approval: sometimes}
autopilot: {throttle_seconds: 10, failure_threshold: 3, lock_minutes: 30, defect_cycle_cap: 2, sweeper_batch: 25}`,
			want: "approval must be",
		},
		{
			name: "conditional without approver roles",
			yaml: `project: {id: p1, kind: delivery-project}
gates:
  defaults:
    build: {approval: conditional}
autopilot: {throttle_seconds: 10, failure_threshold: 3, lock_minutes: 30, defect_cycle_cap: 2, sweeper_batch: 25}`,
			want: "approver_roles required",
		},
		{
			name: "quality score out of range",
			yaml: `project: {id: p1, kind: delivery-project}
gates:
  defaults:
    build: {approval: conditional, approver_roles: [delivery_lead], min_quality_score: 150}
autopilot: {throttle_seconds: 10, failure_threshold: 3, lock_minutes: 30, defect_cycle_cap: 2, sweeper_batch: 25}`,
			want: "min_quality_score",
		},
		{
			name: "zero failure threshold",
			yaml: `project: {id: p1, kind: delivery-project}
gates: {defaults: {}}
autopilot: {throttle_seconds: 10, failure_threshold: 0, lock_minutes: 30, defect_cycle_cap: 2, sweeper_batch: 25}`,
			want: "autopilot settings",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestFromYAMLAcceptsOverrides(t *testing.T) {
	raw := `project: {id: p1, kind: delivery-project}
gates:
  defaults:
    build: {approval: always, approver_roles: [delivery_lead]}
autopilot: {throttle_seconds: 0, failure_threshold: 5, lock_minutes: 10, defect_cycle_cap: 4, sweeper_batch: 10, sweeper_seconds: 30}
webhooks:
  - url: https://hooks.example.test/stageline
    events: [CIRCUIT_BREAKER, JOB_FAILED]
    secret: shh`
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Autopilot.DefectCycleCap != 4 {
		t.Fatalf("defect_cycle_cap = %d, want 4", cfg.Autopilot.DefectCycleCap)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL == "" {
		t.Fatalf("webhooks not parsed: %+v", cfg.Webhooks)
	}
	if got := cfg.Gates.Defaults["build"].Approval; got != ApprovalAlways {
		t.Fatalf("build approval = %q, want always", got)
	}
}
