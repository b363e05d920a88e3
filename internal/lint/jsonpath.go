package lint

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type stepKind int

const (
	stepChild stepKind = iota
	stepWildcard
	stepIndex
	stepDescendant
)

type pathStep struct {
	kind  stepKind
	key   string
	index int
}

// Path is a compiled JSONPath expression. The supported subset is `$`,
// `.key`, `['key']`, `[n]`, `[*]`, `.*` and `..key`.
type Path struct {
	expr  string
	steps []pathStep
}

// Match is one node selected by a Path. Key is the mapping key node that
// holds Node, nil for sequence elements and the root.
type Match struct {
	Node *yaml.Node
	Key  *yaml.Node
	Path []string
}

// CompilePath parses expr.
func CompilePath(expr string) (*Path, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "$") {
		return nil, fmt.Errorf("path %q must start with $", expr)
	}

	p := &Path{expr: expr}
	i := 1
	for i < len(expr) {
		switch {
		case strings.HasPrefix(expr[i:], ".."):
			i += 2
			name, n := readName(expr[i:])
			if name == "" {
				return nil, fmt.Errorf("path %q: expected key after .. at offset %d", expr, i)
			}
			p.steps = append(p.steps, pathStep{kind: stepDescendant, key: name})
			i += n
		case expr[i] == '.':
			i++
			if i < len(expr) && expr[i] == '*' {
				p.steps = append(p.steps, pathStep{kind: stepWildcard})
				i++
				continue
			}
			name, n := readName(expr[i:])
			if name == "" {
				return nil, fmt.Errorf("path %q: expected key at offset %d", expr, i)
			}
			p.steps = append(p.steps, pathStep{kind: stepChild, key: name})
			i += n
		case expr[i] == '[':
			step, n, err := readBracket(expr[i:])
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", expr, err)
			}
			p.steps = append(p.steps, step)
			i += n
		default:
			return nil, fmt.Errorf("path %q: unexpected %q at offset %d", expr, expr[i], i)
		}
	}
	return p, nil
}

func (p *Path) String() string { return p.expr }

// readName reads a dot-notation key up to the next '.' or '['.
func readName(s string) (string, int) {
	end := strings.IndexAny(s, ".[")
	if end < 0 {
		end = len(s)
	}
	return s[:end], end
}

func readBracket(s string) (pathStep, int, error) {
	if len(s) < 3 {
		return pathStep{}, 0, fmt.Errorf("unterminated bracket")
	}
	switch q := s[1]; q {
	case '\'', '"':
		end := strings.IndexByte(s[2:], q)
		if end < 0 || 2+end+1 >= len(s) || s[2+end+1] != ']' {
			return pathStep{}, 0, fmt.Errorf("unterminated quoted key")
		}
		return pathStep{kind: stepChild, key: s[2 : 2+end]}, 2 + end + 2, nil
	case '*':
		if s[2] != ']' {
			return pathStep{}, 0, fmt.Errorf("expected ] after *")
		}
		return pathStep{kind: stepWildcard}, 3, nil
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return pathStep{}, 0, fmt.Errorf("unterminated bracket")
	}
	idx, err := strconv.Atoi(s[1:end])
	if err != nil || idx < 0 {
		return pathStep{}, 0, fmt.Errorf("unsupported bracket expression %q", s[:end+1])
	}
	return pathStep{kind: stepIndex, index: idx}, end + 1, nil
}

// Find returns the nodes under root selected by the path, in document order.
func (p *Path) Find(root *yaml.Node) []Match {
	if deref(root) == nil {
		return nil
	}
	cur := []Match{{Node: deref(root)}}
	for _, step := range p.steps {
		var next []Match
		for _, m := range cur {
			next = appendStep(next, m, step)
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

func appendStep(out []Match, m Match, step pathStep) []Match {
	n := m.Node
	switch step.kind {
	case stepChild:
		if n.Kind != yaml.MappingNode {
			return out
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == step.key {
				out = append(out, child(m, n.Content[i], deref(n.Content[i+1]), step.key))
			}
		}
	case stepIndex:
		if n.Kind == yaml.SequenceNode && step.index < len(n.Content) {
			out = append(out, child(m, nil, deref(n.Content[step.index]), strconv.Itoa(step.index)))
		}
	case stepWildcard:
		out = appendChildren(out, m)
	case stepDescendant:
		out = appendDescendants(out, m, step.key)
	}
	return out
}

func appendChildren(out []Match, m Match) []Match {
	n := m.Node
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			out = append(out, child(m, n.Content[i], deref(n.Content[i+1]), n.Content[i].Value))
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			out = append(out, child(m, nil, deref(c), strconv.Itoa(i)))
		}
	}
	return out
}

// appendDescendants walks the subtree depth first, collecting every value
// whose mapping key equals key. A node already on the walk path, reached
// again through an alias, is matched but not descended into.
func appendDescendants(out []Match, m Match, key string) []Match {
	return walkDescendants(out, m, key, map[*yaml.Node]bool{m.Node: true})
}

func walkDescendants(out []Match, m Match, key string, onPath map[*yaml.Node]bool) []Match {
	for _, c := range appendChildren(nil, m) {
		if c.Key != nil && c.Key.Value == key {
			out = append(out, c)
		}
		if onPath[c.Node] {
			continue
		}
		onPath[c.Node] = true
		out = walkDescendants(out, c, key, onPath)
		delete(onPath, c.Node)
	}
	return out
}

func child(parent Match, key, node *yaml.Node, segment string) Match {
	path := make([]string, len(parent.Path), len(parent.Path)+1)
	copy(path, parent.Path)
	return Match{Node: node, Key: key, Path: append(path, segment)}
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// FormatPath renders a match path the way findings report it.
func FormatPath(path []string) string {
	return strings.Join(path, ".")
}
