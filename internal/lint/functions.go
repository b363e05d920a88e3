package lint

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// target is the value a rule function checks. node is nil when the rule's
// field is absent from the matched object.
type target struct {
	node   *yaml.Node
	key    *yaml.Node
	parent *yaml.Node
	path   []string
	root   *yaml.Node
}

func (t target) defined() bool { return t.node != nil }

func (t target) property() string {
	if len(t.path) == 0 {
		return "$"
	}
	return t.path[len(t.path)-1]
}

// violation is one failed check. Empty path and nil node default to the
// target's.
type violation struct {
	message string
	path    []string
	node    *yaml.Node
}

type checkFunc func(t target) []violation

// ruleFunction compiles functionOptions into a check.
type ruleFunction func(opts map[string]any) (checkFunc, error)

// Whitelisted rule functions. Custom rule sets can only reference these.
var functions = map[string]ruleFunction{
	"alphabetical":               alphabetical,
	"casing":                     casing,
	"defined":                    defined,
	"enumeration":                enumeration,
	"falsy":                      falsy,
	"length":                     length,
	"pattern":                    pattern,
	"truthy":                     truthy,
	"undefined":                  undefined,
	"unreferencedReusableObject": unreferencedReusableObject,
	"xor":                        xor,
}

// Functions returns the whitelisted function names, sorted.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupFunction resolves name against the whitelist. Unknown names resolve
// to a function that never reports anything.
func lookupFunction(name string) (ruleFunction, bool) {
	if fn, ok := functions[name]; ok {
		return fn, true
	}
	return noop, false
}

func noop(map[string]any) (checkFunc, error) {
	return func(target) []violation { return nil }, nil
}

func one(msg string) []violation {
	return []violation{{message: msg}}
}

func defined(map[string]any) (checkFunc, error) {
	return func(t target) []violation {
		if !t.defined() {
			return one(fmt.Sprintf("%q property must be defined", t.property()))
		}
		return nil
	}, nil
}

func undefined(map[string]any) (checkFunc, error) {
	return func(t target) []violation {
		if t.defined() {
			return one(fmt.Sprintf("%q property must be undefined", t.property()))
		}
		return nil
	}, nil
}

func truthy(map[string]any) (checkFunc, error) {
	return func(t target) []violation {
		if !isTruthy(t.node) {
			return one(fmt.Sprintf("%q property must be truthy", t.property()))
		}
		return nil
	}, nil
}

func falsy(map[string]any) (checkFunc, error) {
	return func(t target) []violation {
		if isTruthy(t.node) {
			return one(fmt.Sprintf("%q property must be falsy", t.property()))
		}
		return nil
	}, nil
}

// isTruthy follows JSON truthiness: null, false, 0 and "" are falsy, every
// object and array is truthy.
func isTruthy(n *yaml.Node) bool {
	n = deref(n)
	if n == nil {
		return false
	}
	if n.Kind != yaml.ScalarNode {
		return true
	}
	switch n.ShortTag() {
	case "!!null":
		return false
	case "!!bool":
		var b bool
		_ = n.Decode(&b)
		return b
	case "!!int", "!!float":
		f, ok := number(n)
		return !ok || f != 0
	default:
		return n.Value != ""
	}
}

func enumeration(opts map[string]any) (checkFunc, error) {
	values, err := optList(opts, "values")
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(values))
	for _, v := range values {
		allowed[fmt.Sprint(v)] = true
	}
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil || n.Kind != yaml.ScalarNode {
			return nil
		}
		if !allowed[n.Value] {
			return one(fmt.Sprintf("%q must be equal to one of the allowed values: %s", n.Value, joinValues(values)))
		}
		return nil
	}, nil
}

func length(opts map[string]any) (checkFunc, error) {
	minV, hasMin, err := optNumber(opts, "min")
	if err != nil {
		return nil, err
	}
	maxV, hasMax, err := optNumber(opts, "max")
	if err != nil {
		return nil, err
	}
	if !hasMin && !hasMax {
		return nil, fmt.Errorf("length: min or max is required")
	}
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil {
			return nil
		}
		var size float64
		switch n.Kind {
		case yaml.MappingNode:
			size = float64(len(n.Content) / 2)
		case yaml.SequenceNode:
			size = float64(len(n.Content))
		case yaml.ScalarNode:
			if f, ok := number(n); ok && n.ShortTag() != "!!str" {
				size = f
			} else {
				size = float64(utf8.RuneCountInString(n.Value))
			}
		default:
			return nil
		}
		if hasMin && size < minV {
			return one(fmt.Sprintf("%q must be longer than %s", t.property(), formatNumber(minV)))
		}
		if hasMax && size > maxV {
			return one(fmt.Sprintf("%q must be shorter than %s", t.property(), formatNumber(maxV)))
		}
		return nil
	}, nil
}

func pattern(opts map[string]any) (checkFunc, error) {
	var match, notMatch *regexp.Regexp
	if s, ok := opts["match"].(string); ok {
		re, err := compileRegex(s)
		if err != nil {
			return nil, fmt.Errorf("pattern: match: %w", err)
		}
		match = re
	}
	if s, ok := opts["notMatch"].(string); ok {
		re, err := compileRegex(s)
		if err != nil {
			return nil, fmt.Errorf("pattern: notMatch: %w", err)
		}
		notMatch = re
	}
	if match == nil && notMatch == nil {
		return nil, fmt.Errorf("pattern: match or notMatch is required")
	}
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil || n.Kind != yaml.ScalarNode {
			return nil
		}
		var out []violation
		if match != nil && !match.MatchString(n.Value) {
			out = append(out, violation{message: fmt.Sprintf("%q must match the pattern %q", n.Value, match.String())})
		}
		if notMatch != nil && notMatch.MatchString(n.Value) {
			out = append(out, violation{message: fmt.Sprintf("%q must not match the pattern %q", n.Value, notMatch.String())})
		}
		return out
	}, nil
}

// compileRegex accepts a bare expression or the /expr/flags form. Only the
// i, m and s flags are honored.
func compileRegex(s string) (*regexp.Regexp, error) {
	if len(s) > 1 && s[0] == '/' {
		if end := strings.LastIndexByte(s, '/'); end > 0 {
			expr, flags := s[1:end], s[end+1:]
			var prefix strings.Builder
			for _, f := range flags {
				if strings.ContainsRune("ims", f) {
					prefix.WriteRune(f)
				}
			}
			if prefix.Len() > 0 {
				expr = "(?" + prefix.String() + ")" + expr
			}
			return regexp.Compile(expr)
		}
	}
	return regexp.Compile(s)
}

var casingPatterns = map[string]string{
	"flat":   `[a-z][a-z{d}]*`,
	"camel":  `[a-z][a-z{d}]*(?:[A-Z{d}](?:[a-z{d}]+|$))*`,
	"pascal": `[A-Z][a-z{d}]*(?:[A-Z{d}](?:[a-z{d}]+|$))*`,
	"kebab":  `[a-z][a-z{d}]*(?:-[a-z{d}]+)*`,
	"cobol":  `[A-Z][A-Z{d}]*(?:-[A-Z{d}]+)*`,
	"snake":  `[a-z][a-z{d}]*(?:_[a-z{d}]+)*`,
	"macro":  `[A-Z][A-Z{d}]*(?:_[A-Z{d}]+)*`,
}

func casing(opts map[string]any) (checkFunc, error) {
	kind, _ := opts["type"].(string)
	base, ok := casingPatterns[kind]
	if !ok {
		return nil, fmt.Errorf("casing: unknown type %q", kind)
	}
	digits := "0-9"
	if b, _ := opts["disallowDigits"].(bool); b {
		digits = ""
	}
	part := strings.ReplaceAll(base, "{d}", digits)

	expr := "^" + part + "$"
	if sep, ok := opts["separator"].(map[string]any); ok {
		char, _ := sep["char"].(string)
		if utf8.RuneCountInString(char) != 1 {
			return nil, fmt.Errorf("casing: separator.char must be a single character")
		}
		q := regexp.QuoteMeta(char)
		leading := ""
		if b, _ := sep["allowLeading"].(bool); b {
			leading = q + "?"
		}
		expr = "^" + leading + "(?:" + part + ")(?:" + q + "(?:" + part + "))*$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("casing: %w", err)
	}

	return func(t target) []violation {
		n := deref(t.node)
		if n == nil || n.Kind != yaml.ScalarNode || n.Value == "" {
			return nil
		}
		if !re.MatchString(n.Value) {
			return one(fmt.Sprintf("%q must be %s case", n.Value, kind))
		}
		return nil
	}, nil
}

func alphabetical(opts map[string]any) (checkFunc, error) {
	keyedBy, _ := opts["keyedBy"].(string)
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil {
			return nil
		}
		var keys []string
		switch n.Kind {
		case yaml.MappingNode:
			for i := 0; i+1 < len(n.Content); i += 2 {
				keys = append(keys, n.Content[i].Value)
			}
		case yaml.SequenceNode:
			for _, el := range n.Content {
				el = deref(el)
				if keyedBy != "" {
					el = deref(mappingValue(el, keyedBy))
				}
				if el != nil && el.Kind == yaml.ScalarNode {
					keys = append(keys, el.Value)
				}
			}
		default:
			return nil
		}
		for i := 1; i < len(keys); i++ {
			if keys[i-1] > keys[i] {
				return one(fmt.Sprintf("%q must be placed after %q", keys[i-1], keys[i]))
			}
		}
		return nil
	}, nil
}

func xor(opts map[string]any) (checkFunc, error) {
	props, err := optList(opts, "properties")
	if err != nil {
		return nil, err
	}
	if len(props) < 2 {
		return nil, fmt.Errorf("xor: at least two properties are required")
	}
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = fmt.Sprint(p)
	}
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil || n.Kind != yaml.MappingNode {
			return nil
		}
		count := 0
		for _, name := range names {
			if mappingValue(n, name) != nil {
				count++
			}
		}
		if count != 1 {
			return one(fmt.Sprintf("exactly one of %s must be defined", joinQuoted(names)))
		}
		return nil
	}, nil
}

func unreferencedReusableObject(opts map[string]any) (checkFunc, error) {
	location, _ := opts["reusableObjectsLocation"].(string)
	if !strings.HasPrefix(location, "#") {
		return nil, fmt.Errorf("unreferencedReusableObject: reusableObjectsLocation must be a local JSON pointer")
	}
	location = strings.TrimSuffix(location, "/")
	return func(t target) []violation {
		n := deref(t.node)
		if n == nil || n.Kind != yaml.MappingNode {
			return nil
		}
		refs := collectRefs(t.root)
		var out []violation
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if refs[location+"/"+escapePointer(key.Value)] {
				continue
			}
			out = append(out, violation{
				message: "potentially unused reusable object",
				path:    append(append([]string(nil), t.path...), key.Value),
				node:    key,
			})
		}
		return out
	}, nil
}

// collectRefs returns the local part ("#/...") of every $ref in the tree.
func collectRefs(root *yaml.Node) map[string]bool {
	refs := make(map[string]bool)
	var walk func(n *yaml.Node)
	walk = func(n *yaml.Node) {
		if n == nil {
			return
		}
		if n.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == "$ref" && n.Content[i+1].Kind == yaml.ScalarNode {
					ref := n.Content[i+1].Value
					if idx := strings.IndexByte(ref, '#'); idx >= 0 {
						refs[ref[idx:]] = true
					}
				}
			}
		}
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(root)
	return refs
}

func escapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	n = deref(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func number(n *yaml.Node) (float64, bool) {
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		var v float64
		if n.Decode(&v) != nil {
			return 0, false
		}
		return v, true
	}
	return f, true
}

func optList(opts map[string]any, name string) ([]any, error) {
	raw, ok := opts[name]
	if !ok {
		return nil, fmt.Errorf("%s is required", name)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", name)
	}
	return list, nil
}

func optNumber(opts map[string]any, name string) (float64, bool, error) {
	raw, ok := opts[name]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case uint64:
		return float64(v), true, nil
	case float64:
		return v, true, nil
	}
	return 0, false, fmt.Errorf("%s must be a number", name)
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func joinQuoted(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = strconv.Quote(n)
	}
	return strings.Join(parts, ", ")
}
