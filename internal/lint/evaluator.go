package lint

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/portico/internal/definition"
	"github.com/pitabwire/portico/model"
)

// Engine evaluates a compiled rule set against a parsed document.
type Engine interface {
	Run(ctx context.Context, doc *definition.Document, rs *Ruleset) ([]model.LintFinding, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, doc *definition.Document, rs *Ruleset) ([]model.LintFinding, error)

// Run calls f.
func (f EngineFunc) Run(ctx context.Context, doc *definition.Document, rs *Ruleset) ([]model.LintFinding, error) {
	return f(ctx, doc, rs)
}

// EvalError reports a rule that failed while being evaluated. The findings
// of the whole run are discarded.
type EvalError struct {
	RuleID string
	Cause  any
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.RuleID, e.Cause)
}

// Evaluator is the built-in Engine.
type Evaluator struct{}

// Run evaluates every rule in order. Lines in findings are 0-based.
func (Evaluator) Run(ctx context.Context, doc *definition.Document, rs *Ruleset) (findings []model.LintFinding, err error) {
	if doc == nil || rs == nil {
		return nil, nil
	}

	var current string
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = &EvalError{RuleID: current, Cause: r}
		}
	}()

	for _, rule := range rs.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current = rule.ID
		for _, given := range rule.Given {
			for _, m := range given.Find(doc.Root) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				for _, check := range rule.Then {
					t := resolveField(m, check.Field, doc.Root)
					for _, v := range check.run(t) {
						findings = append(findings, newFinding(rule, v, t, m))
					}
				}
			}
		}
	}
	return findings, nil
}

// resolveField narrows a match to the rule's field. "@key" targets the
// mapping key itself; a dotted field walks nested objects.
func resolveField(m Match, field string, root *yaml.Node) target {
	t := target{node: m.Node, key: m.Key, path: m.Path, root: root}
	if field == "" {
		return t
	}
	if field == "@key" {
		t.node = m.Key
		return t
	}

	path := append([]string(nil), m.Path...)
	node := m.Node
	var key *yaml.Node
	for _, seg := range splitField(field) {
		parent := node
		node, key = nil, nil
		if p := deref(parent); p != nil && p.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(p.Content); i += 2 {
				if p.Content[i].Value == seg {
					key, node = p.Content[i], deref(p.Content[i+1])
					break
				}
			}
		}
		path = append(path, seg)
		t.parent = parent
		if node == nil {
			break
		}
	}
	t.node, t.key, t.path = node, key, path
	return t
}

func splitField(field string) []string {
	var out []string
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '.' {
			out = append(out, field[start:i])
			start = i + 1
		}
	}
	return append(out, field[start:])
}

func newFinding(rule *Rule, v violation, t target, m Match) model.LintFinding {
	path := v.path
	if len(path) == 0 {
		path = t.path
	}
	return model.LintFinding{
		Severity: rule.Severity,
		Message:  rule.format(v, t, path),
		Line:     findingLine(v, t, m),
		RuleID:   rule.ID,
		Path:     FormatPath(path),
	}
}

// findingLine picks the most specific node with a position: the violation
// node, then the field's key, then its value, then the enclosing object.
func findingLine(v violation, t target, m Match) int {
	for _, n := range []*yaml.Node{v.node, t.key, t.node, t.parent, m.Key, m.Node} {
		if n != nil && n.Line > 0 {
			return n.Line - 1
		}
	}
	return 0
}
