package editor

import (
	"reflect"
	"testing"

	"github.com/pitabwire/portico/model"
)

func result(lines ...int) model.LintRunResult {
	var findings []model.LintFinding
	for i, l := range lines {
		findings = append(findings, model.LintFinding{
			Severity: model.SeverityWarning,
			Line:     l,
			RuleID:   "rule-" + string(rune('a'+i)),
		})
	}
	return model.NewLintRunResult("api", findings)
}

func TestClearedLines(t *testing.T) {
	tests := []struct {
		name string
		prev model.LintRunResult
		cur  model.LintRunResult
		want []int
	}{
		{"nothing before", result(), result(1, 2), nil},
		{"all fixed", result(4, 1, 4), result(), []int{1, 4}},
		{"partially fixed", result(1, 2, 3), result(2), []int{1, 3}},
		{"moved finding", result(5), result(6), []int{5}},
		{"unchanged", result(3, 7), result(7, 3), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClearedLines(tt.prev, tt.cur)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ClearedLines = %v, want %v", got, tt.want)
			}
		})
	}
}

// Two different findings on one line are indistinguishable: fixing one of
// them leaves the line decorated.
func TestClearedLines_sameLineFindingsAreIndistinguishable(t *testing.T) {
	prev := model.NewLintRunResult("api", []model.LintFinding{
		{Line: 3, RuleID: "info-contact"},
		{Line: 3, RuleID: "info-description"},
	})
	cur := model.NewLintRunResult("api", []model.LintFinding{
		{Line: 3, RuleID: "info-description"},
	})
	if got := ClearedLines(prev, cur); len(got) != 0 {
		t.Errorf("ClearedLines = %v, want none", got)
	}
}

func TestLines_dedupesAndSorts(t *testing.T) {
	got := Lines(result(9, 2, 9, 0))
	want := []int{0, 2, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines = %v, want %v", got, want)
	}
}

func TestNavigator_Sync(t *testing.T) {
	rec := &Recorder{}
	NewNavigator(rec).Sync(result(1, 2), result(2, 5))

	want := []Action{
		{Kind: ActionClear, Line: 1},
		{Kind: ActionSet, Line: 2},
		{Kind: ActionSet, Line: 5},
	}
	if got := rec.Actions(); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %+v, want %+v", got, want)
	}
}

func TestNavigator_Select(t *testing.T) {
	rec := &Recorder{}
	NewNavigator(rec).Select(model.LintFinding{Line: 12, RuleID: "x"})

	want := []Action{
		{Kind: ActionReveal, Line: 12},
		{Kind: ActionSet, Line: 12},
	}
	if got := rec.Actions(); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %+v, want %+v", got, want)
	}
}

func TestPlan_emptyToEmpty(t *testing.T) {
	got := Plan(result(), result())
	if got == nil || len(got) != 0 {
		t.Errorf("Plan = %#v, want empty non-nil slice", got)
	}
}
