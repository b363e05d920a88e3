// Package definition parses, normalizes and structurally validates API
// definition documents (OpenAPI 3, Swagger 2, AsyncAPI) written in JSON or
// YAML.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the serialization of a definition document.
type Format int

// Known formats.
const (
	FormatUnknown Format = iota
	FormatJSON
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// ParseFormat maps "json", "yaml" or "yml" to a Format.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return FormatUnknown, fmt.Errorf("unknown format %q", v)
}

// Kind is the definition language of a document.
type Kind string

// Known kinds.
const (
	KindUnknown  Kind = "unknown"
	KindOpenAPI3 Kind = "openapi3"
	KindSwagger2 Kind = "swagger2"
	KindAsyncAPI Kind = "asyncapi"
)

// Document is a parsed definition. Root is the top-level content node; its
// Line fields are 1-based as reported by yaml.v3.
type Document struct {
	Format  Format
	Kind    Kind
	Version string
	Root    *yaml.Node
}

// FormatError is a malformed-content error with the position the parser
// reported. Line and Column are 1-based; zero means unknown.
type FormatError struct {
	Format  Format
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid %s at line %d: %s", e.Format, e.Line, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Format, e.Message)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ErrEmpty is returned when there is nothing to parse.
var ErrEmpty = errors.New("definition: empty content")

// Detect reports JSON when the first non-space byte opens an object or
// array, YAML for any other non-empty content.
func Detect(content []byte) Format {
	trimmed := bytes.TrimLeft(content, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return FormatUnknown
	}
	switch trimmed[0] {
	case '{', '[':
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes content into a node tree. JSON is checked with
// encoding/json first so syntax errors carry exact positions, then read with
// yaml.v3 so both formats yield line numbers.
func Parse(content []byte) (*Document, error) {
	format := Detect(content)
	if format == FormatUnknown {
		return nil, ErrEmpty
	}

	if format == FormatJSON {
		if err := checkJSON(content); err != nil {
			return nil, err
		}
		// Raw tabs in valid JSON are always insignificant whitespace, but
		// yaml.v3 rejects them as indentation.
		content = bytes.ReplaceAll(content, []byte{'\t'}, []byte{' '})
	}

	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, yamlError(format, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &FormatError{Format: format, Message: "document has no content"}
	}

	if err := checkAliases(format, root.Content[0]); err != nil {
		return nil, err
	}

	doc := &Document{Format: format, Root: root.Content[0]}
	doc.Kind, doc.Version = detectKind(doc.Root)
	return doc, nil
}

// Normalize parses content and re-renders it in target format, pretty
// printed with two-space indentation. FormatUnknown keeps the source format.
func Normalize(content []byte, target Format) ([]byte, *Document, error) {
	doc, err := Parse(content)
	if err != nil {
		return nil, nil, err
	}
	if target == FormatUnknown {
		target = doc.Format
	}
	out, err := doc.Render(target)
	if err != nil {
		return nil, nil, err
	}
	return out, doc, nil
}

// Render writes the document in the requested format.
func (d *Document) Render(target Format) ([]byte, error) {
	switch target {
	case FormatJSON:
		var buf bytes.Buffer
		w := jsonWriter{buf: &buf, format: d.Format, onPath: make(map[*yaml.Node]bool)}
		if err := w.write(d.Root, 0); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(blockStyle(d.Root)); err != nil {
			return nil, fmt.Errorf("definition: render yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("definition: render yaml: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("definition: cannot render format %s", target)
}

// MappingValue returns the value node for key in a mapping node.
func MappingValue(n *yaml.Node, key string) *yaml.Node {
	n = resolveAlias(n)
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

func detectKind(root *yaml.Node) (Kind, string) {
	if v := MappingValue(root, "openapi"); v != nil && v.Kind == yaml.ScalarNode {
		if strings.HasPrefix(v.Value, "3.") {
			return KindOpenAPI3, v.Value
		}
		return KindUnknown, v.Value
	}
	if v := MappingValue(root, "swagger"); v != nil && v.Kind == yaml.ScalarNode {
		return KindSwagger2, v.Value
	}
	if v := MappingValue(root, "asyncapi"); v != nil && v.Kind == yaml.ScalarNode {
		return KindAsyncAPI, v.Value
	}
	return KindUnknown, ""
}

func checkJSON(content []byte) error {
	var v any
	err := json.Unmarshal(content, &v)
	if err == nil {
		return nil
	}
	fe := &FormatError{Format: FormatJSON, Message: err.Error()}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		fe.Line, fe.Column = position(content, syn.Offset)
	}
	return fe
}

// position converts a byte offset into a 1-based line and column.
func position(content []byte, offset int64) (int, int) {
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	line, col := 1, 1
	for _, b := range content[:offset] {
		if b == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

func yamlError(format Format, err error) error {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	fe := &FormatError{Format: format, Message: msg}
	if m := yamlLinePattern.FindStringSubmatch(msg); m != nil {
		fe.Line, _ = strconv.Atoi(m[1])
	}
	return fe
}

// Alias expansion budget. A document may expand to aliasExpansionRatio
// times its literal node count, and never less than minAliasBudget nodes.
const (
	aliasExpansionRatio = 10
	minAliasBudget      = 100_000
)

// ErrAliasExpansion is wrapped by the FormatError Parse returns for an
// alias that refers to one of its own ancestors or a document whose aliases
// expand past the budget.
var ErrAliasExpansion = errors.New("definition: excessive aliasing")

type aliasCheck struct {
	format   Format
	budget   int
	size     map[*yaml.Node]int
	visiting map[*yaml.Node]bool
}

// checkAliases rejects trees that cannot be walked in bounded time once
// aliases are followed.
func checkAliases(format Format, root *yaml.Node) error {
	literal, hasAlias := countLiteral(root)
	if !hasAlias {
		return nil
	}
	c := &aliasCheck{
		format:   format,
		budget:   max(minAliasBudget, aliasExpansionRatio*literal),
		size:     make(map[*yaml.Node]int),
		visiting: make(map[*yaml.Node]bool),
	}
	_, err := c.expanded(root)
	return err
}

func countLiteral(n *yaml.Node) (int, bool) {
	if n == nil {
		return 0, false
	}
	total, alias := 1, n.Kind == yaml.AliasNode
	for _, c := range n.Content {
		k, a := countLiteral(c)
		total += k
		alias = alias || a
	}
	return total, alias
}

// expanded returns the node count of n with every alias inlined. Sizes are
// memoized per node so shared anchors are measured once.
func (c *aliasCheck) expanded(n *yaml.Node) (int, error) {
	if n == nil {
		return 0, nil
	}
	if n.Kind == yaml.AliasNode {
		if n.Alias == nil {
			return 1, nil
		}
		if c.visiting[n.Alias] {
			return 0, c.fail(n, fmt.Sprintf("alias *%s refers to an enclosing node", n.Value))
		}
		k, err := c.expanded(n.Alias)
		return k + 1, err
	}
	if k, ok := c.size[n]; ok {
		return k, nil
	}

	c.visiting[n] = true
	total := 1
	for _, child := range n.Content {
		k, err := c.expanded(child)
		if err != nil {
			return 0, err
		}
		total += k
		if total > c.budget {
			return 0, c.fail(n, fmt.Sprintf("aliases expand the document beyond %d nodes", c.budget))
		}
	}
	delete(c.visiting, n)
	c.size[n] = total
	return total, nil
}

func (c *aliasCheck) fail(n *yaml.Node, msg string) error {
	return &FormatError{Format: c.format, Line: n.Line, Column: n.Column, Message: msg, Err: ErrAliasExpansion}
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// blockStyle returns a copy of n with flow and quoting styles cleared so
// JSON input renders as conventional block YAML.
func blockStyle(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	cp := *n
	if cp.Kind == yaml.ScalarNode {
		if cp.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) != 0 {
			cp.Style = 0
		}
	} else {
		cp.Style &^= yaml.FlowStyle
	}
	if len(n.Content) > 0 {
		cp.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			cp.Content[i] = blockStyle(c)
		}
	}
	return &cp
}

// jsonWriter renders a node tree as indented JSON. onPath holds the nodes
// being written so an alias back to an enclosing node fails instead of
// recursing forever.
type jsonWriter struct {
	buf    *bytes.Buffer
	format Format
	onPath map[*yaml.Node]bool
}

func (w jsonWriter) write(n *yaml.Node, depth int) error {
	n = resolveAlias(n)
	buf := w.buf
	if n == nil {
		buf.WriteString("null")
		return nil
	}
	if w.onPath[n] {
		return &FormatError{Format: w.format, Line: n.Line, Column: n.Column,
			Message: "alias refers to an enclosing node", Err: ErrAliasExpansion}
	}
	w.onPath[n] = true
	defer delete(w.onPath, n)

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return w.write(n.Content[0], depth)
	case yaml.MappingNode:
		if len(n.Content) == 0 {
			buf.WriteString("{}")
			return nil
		}
		buf.WriteString("{\n")
		for i := 0; i+1 < len(n.Content); i += 2 {
			indent(buf, depth+1)
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteString(": ")
			if err := w.write(n.Content[i+1], depth+1); err != nil {
				return err
			}
			if i+2 < len(n.Content) {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		indent(buf, depth)
		buf.WriteByte('}')
	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteString("[\n")
		for i, c := range n.Content {
			indent(buf, depth+1)
			if err := w.write(c, depth+1); err != nil {
				return err
			}
			if i+1 < len(n.Content) {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		indent(buf, depth)
		buf.WriteByte(']')
	case yaml.ScalarNode:
		return writeScalar(buf, n)
	default:
		return fmt.Errorf("definition: unexpected node kind %d at line %d", n.Kind, n.Line)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.ShortTag() {
	case "!!null":
		buf.WriteString("null")
		return nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err == nil {
			buf.WriteString(strconv.FormatBool(b))
			return nil
		}
	case "!!int":
		var i int64
		if err := n.Decode(&i); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	case "!!float":
		var f float64
		if err := n.Decode(&f); err == nil {
			if b, err := json.Marshal(f); err == nil {
				buf.Write(b)
				return nil
			}
		}
	}
	b, err := json.Marshal(n.Value)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func indent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteString("  ")
	}
}
