package lint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/portico/model"
)

// Ruleset is a compiled rule set. Rules keep document order, which is also
// the order their findings are emitted in.
type Ruleset struct {
	Name  string
	Rules []*Rule

	// Unresolved lists function names referenced by the rule set that are
	// not whitelisted. Checks using them never report anything.
	Unresolved []string
}

// Rule is one compiled rule.
type Rule struct {
	ID          string
	Description string
	Message     string
	Severity    model.Severity
	Given       []*Path
	Then        []*Check
}

// Check is one then-clause of a rule.
type Check struct {
	Field    string
	Function string
	run      checkFunc
}

// rawRuleset is the on-disk shape, shared by JSON and YAML documents.
type rawRuleset struct {
	Rules yaml.Node `yaml:"rules"`
}

type rawRule struct {
	Description string    `yaml:"description"`
	Message     string    `yaml:"message"`
	Severity    yaml.Node `yaml:"severity"`
	Recommended *bool     `yaml:"recommended"`
	Given       yaml.Node `yaml:"given"`
	Then        yaml.Node `yaml:"then"`
}

type rawThen struct {
	Field           string         `yaml:"field"`
	Function        string         `yaml:"function"`
	FunctionOptions map[string]any `yaml:"functionOptions"`
}

// ParseRuleset compiles a JSON or YAML rule set. Rules whose value is a bare
// severity (overrides of inherited rules) and rules that are switched off
// are skipped. Any other malformed rule fails the whole rule set.
func ParseRuleset(name string, data []byte) (*Ruleset, error) {
	var raw rawRuleset
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", name, err)
	}
	if raw.Rules.Kind == 0 {
		return nil, fmt.Errorf("ruleset %s: no rules", name)
	}
	if raw.Rules.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("ruleset %s: rules must be an object", name)
	}

	rs := &Ruleset{Name: name}
	unresolved := make(map[string]bool)
	var errs []error

	for i := 0; i+1 < len(raw.Rules.Content); i += 2 {
		id := raw.Rules.Content[i].Value
		body := raw.Rules.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		rule, err := compileRule(id, body, unresolved)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", id, err))
			continue
		}
		if rule != nil {
			rs.Rules = append(rs.Rules, rule)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("ruleset %s: %w", name, errors.Join(errs...))
	}

	for fn := range unresolved {
		rs.Unresolved = append(rs.Unresolved, fn)
	}
	sort.Strings(rs.Unresolved)
	return rs, nil
}

// compileRule returns nil for disabled rules.
func compileRule(id string, body *yaml.Node, unresolved map[string]bool) (*Rule, error) {
	var raw rawRule
	if err := body.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Recommended != nil && !*raw.Recommended {
		return nil, nil
	}

	severity, enabled, err := parseRuleSeverity(&raw.Severity)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	rule := &Rule{
		ID:          id,
		Description: raw.Description,
		Message:     raw.Message,
		Severity:    severity,
	}

	givens, err := stringOrList(&raw.Given)
	if err != nil {
		return nil, fmt.Errorf("given: %w", err)
	}
	if len(givens) == 0 {
		return nil, fmt.Errorf("given is required")
	}
	for _, g := range givens {
		p, err := CompilePath(g)
		if err != nil {
			return nil, err
		}
		rule.Given = append(rule.Given, p)
	}

	thens, err := decodeThen(&raw.Then)
	if err != nil {
		return nil, fmt.Errorf("then: %w", err)
	}
	for _, th := range thens {
		if th.Function == "" {
			return nil, fmt.Errorf("then.function is required")
		}
		fn, known := lookupFunction(th.Function)
		if !known {
			unresolved[th.Function] = true
		}
		opts := th.FunctionOptions
		if opts == nil {
			opts = map[string]any{}
		}
		run, err := fn(opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", th.Function, err)
		}
		rule.Then = append(rule.Then, &Check{Field: th.Field, Function: th.Function, run: run})
	}
	return rule, nil
}

// parseRuleSeverity defaults to warn. "off", false and -1 disable the rule.
func parseRuleSeverity(n *yaml.Node) (model.Severity, bool, error) {
	if n.Kind == 0 {
		return model.SeverityWarning, true, nil
	}
	if n.Kind != yaml.ScalarNode {
		return 0, false, fmt.Errorf("severity must be a scalar")
	}
	switch strings.ToLower(n.Value) {
	case "off", "false", "-1":
		return 0, false, nil
	}
	s, err := model.ParseSeverity(n.Value)
	if err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func stringOrList(n *yaml.Node) ([]string, error) {
	n = deref(n)
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string or a list of strings")
}

func decodeThen(n *yaml.Node) ([]rawThen, error) {
	n = deref(n)
	switch n.Kind {
	case yaml.MappingNode:
		var th rawThen
		if err := n.Decode(&th); err != nil {
			return nil, err
		}
		return []rawThen{th}, nil
	case yaml.SequenceNode:
		var out []rawThen
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("at least one check is required")
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected an object or a list of objects")
}

// format renders the rule message for one violation. Supported
// placeholders: {{error}}, {{description}}, {{path}}, {{property}} and
// {{value}}.
func (r *Rule) format(v violation, t target, path []string) string {
	msg := r.Message
	if msg == "" {
		msg = "{{error}}"
		if v.message == "" {
			msg = r.Description
		}
	}
	if msg == "" {
		msg = r.ID
	}
	if !strings.Contains(msg, "{{") {
		return msg
	}

	property := "$"
	if len(path) > 0 {
		property = path[len(path)-1]
	}
	value := ""
	if n := deref(t.node); n != nil && n.Kind == yaml.ScalarNode {
		value = n.Value
	}
	return strings.NewReplacer(
		"{{error}}", v.message,
		"{{description}}", r.Description,
		"{{path}}", FormatPath(path),
		"{{property}}", property,
		"{{value}}", value,
	).Replace(msg)
}

// Len returns the number of active rules.
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// String summarizes the rule set for logs.
func (rs *Ruleset) String() string {
	return rs.Name + " (" + strconv.Itoa(rs.Len()) + " rules)"
}
