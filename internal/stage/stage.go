package stage

import "fmt"

// Key identifies a pipeline stage. The set is closed; every stage the
// orchestrator knows about appears in the ordered table below.
type Key string

const (
	Onboarding       Key = "onboarding"
	Assignment       Key = "assignment"
	Build            Key = "build"
	Test             Key = "test"
	DefectValidation Key = "defect_validation"
	Complete         Key = "complete"
)

// Def describes one stage: the job kind dispatched for it and whether the
// stage completes from data alone (no job is ever enqueued for it).
type Def struct {
	Key       Key
	JobKind   string
	StateOnly bool
}

// table is the single ordered source of truth for stage progression.
var table = []Def{
	{Key: Onboarding, StateOnly: true},
	{Key: Assignment, JobKind: "team_assignment"},
	{Key: Build, JobKind: "site_build"},
	{Key: Test, JobKind: "site_test"},
	{Key: DefectValidation, JobKind: "defect_validation"},
	{Key: Complete, StateOnly: true},
}

// All returns stage definitions in pipeline order.
func All() []Def {
	out := make([]Def, len(table))
	copy(out, table)
	return out
}

// Lookup returns the definition for a key.
func Lookup(k Key) (Def, bool) {
	for _, d := range table {
		if d.Key == k {
			return d, true
		}
	}
	return Def{}, false
}

// Order returns the position of a stage in the pipeline, or -1 for an
// unknown key.
func Order(k Key) int {
	for i, d := range table {
		if d.Key == k {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows k. The second return is false when k
// is the last stage or unknown.
func Next(k Key) (Key, bool) {
	i := Order(k)
	if i < 0 || i+1 >= len(table) {
		return "", false
	}
	return table[i+1].Key, true
}

// Parse validates a raw stage key.
func Parse(s string) (Key, error) {
	k := Key(s)
	if _, ok := Lookup(k); !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return k, nil
}

// Verification reports whether a failed run of this stage feeds the defect
// rework loop instead of being terminal.
func Verification(k Key) bool {
	return k == Test || k == DefectValidation
}
