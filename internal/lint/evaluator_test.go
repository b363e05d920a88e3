package lint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/portico/internal/definition"
	"github.com/pitabwire/portico/model"
)

func compileRules(t *testing.T, src string) *Ruleset {
	t.Helper()
	rs, err := ParseRuleset("test", []byte(src))
	require.NoError(t, err)
	return rs
}

func runRules(t *testing.T, rs *Ruleset, src string) []model.LintFinding {
	t.Helper()
	doc, err := definition.Parse([]byte(src))
	require.NoError(t, err)
	findings, err := Evaluator{}.Run(context.Background(), doc, rs)
	require.NoError(t, err)
	return findings
}

func ruleIDs(findings []model.LintFinding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.RuleID
	}
	return out
}

const evalDoc = `openapi: 3.0.3
info:
  title: Pets
paths:
  /pets/:
    get:
      operationId: listPets
  /pets/{id}:
    get:
      description: show
`

func TestEvaluator_Run_linesAreZeroBased(t *testing.T) {
	rs := compileRules(t, `
rules:
  no-trailing-slash:
    given: $.paths.*
    then:
      field: "@key"
      function: pattern
      functionOptions: {notMatch: "/$"}
`)
	findings := runRules(t, rs, evalDoc)
	require.Len(t, findings, 1)
	assert.Equal(t, 4, findings[0].Line)
	assert.Equal(t, "paths./pets/", findings[0].Path)
	assert.Equal(t, model.SeverityWarning, findings[0].Severity)
}

func TestEvaluator_Run_absentFieldReportsOnParent(t *testing.T) {
	rs := compileRules(t, `
rules:
  operation-operationId:
    severity: error
    given: $.paths.*.get
    then:
      field: operationId
      function: defined
`)
	findings := runRules(t, rs, evalDoc)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "operation-operationId", f.RuleID)
	assert.Equal(t, model.SeverityError, f.Severity)
	assert.Equal(t, "paths./pets/{id}.get.operationId", f.Path)
	// The operation object starts on the line after "get:".
	assert.Equal(t, 9, f.Line)
	assert.Contains(t, f.Message, `"operationId" property must be defined`)
}

func TestEvaluator_Run_presentFieldReportsOnKey(t *testing.T) {
	rs := compileRules(t, `
rules:
  no-description:
    given: $.paths.*.get
    then:
      field: description
      function: undefined
`)
	findings := runRules(t, rs, evalDoc)
	require.Len(t, findings, 1)
	assert.Equal(t, 9, findings[0].Line)
}

func TestEvaluator_Run_nestedField(t *testing.T) {
	rs := compileRules(t, `
rules:
  title-length:
    given: $
    then:
      field: info.title
      function: length
      functionOptions: {min: 5}
`)
	findings := runRules(t, rs, evalDoc)
	require.Len(t, findings, 1)
	assert.Equal(t, "info.title", findings[0].Path)
	assert.Equal(t, 2, findings[0].Line)
}

func TestEvaluator_Run_emitsInRuleOrder(t *testing.T) {
	rs := compileRules(t, `
rules:
  second:
    given: $.info
    then: {field: contact, function: truthy}
  first:
    severity: error
    given: $.info
    then: {field: license, function: truthy}
`)
	findings := runRules(t, rs, evalDoc)
	assert.Equal(t, []string{"second", "first"}, ruleIDs(findings))
}

func TestEvaluator_Run_recoversPanics(t *testing.T) {
	given, err := CompilePath("$")
	require.NoError(t, err)
	rs := &Ruleset{Name: "broken", Rules: []*Rule{{
		ID:    "explodes",
		Given: []*Path{given},
		Then: []*Check{{Function: "boom", run: func(target) []violation {
			panic("boom")
		}}},
	}}}
	doc, err := definition.Parse([]byte(evalDoc))
	require.NoError(t, err)

	findings, err := Evaluator{}.Run(context.Background(), doc, rs)
	assert.Nil(t, findings)
	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "explodes", evalErr.RuleID)
}

func TestEvaluator_Run_stopsOnCancelledContext(t *testing.T) {
	rs := compileRules(t, "rules:\n  r:\n    given: $\n    then: {function: falsy}\n")
	doc, err := definition.Parse([]byte(evalDoc))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluator{}.Run(ctx, doc, rs)
	assert.ErrorIs(t, err, context.Canceled)
}

// expiringContext reports cancellation once Err has been called more than
// allowed times.
type expiringContext struct {
	context.Context
	allowed int
	calls   int
}

func (c *expiringContext) Err() error {
	c.calls++
	if c.calls > c.allowed {
		return context.Canceled
	}
	return nil
}

func TestEvaluator_Run_stopsBetweenMatchesOfOneRule(t *testing.T) {
	rs := compileRules(t, "rules:\n  r:\n    given: $..description\n    then: {function: falsy}\n")
	doc, err := definition.Parse([]byte(evalDoc))
	require.NoError(t, err)

	ctx := &expiringContext{Context: context.Background(), allowed: 1}
	findings, err := Evaluator{}.Run(ctx, doc, rs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, findings)
}

func TestEvaluator_Run_defaultRuleset(t *testing.T) {
	rs, err := DefaultRuleset()
	require.NoError(t, err)

	findings := runRules(t, rs, evalDoc)
	ids := ruleIDs(findings)
	assert.Contains(t, ids, "info-description")
	assert.Contains(t, ids, "info-contact")
	assert.Contains(t, ids, "path-keys-no-trailing-slash")
	assert.Contains(t, ids, "operation-operationId")
	assert.Contains(t, ids, "operation-responses")
	assert.NotContains(t, ids, "info-title")
}
