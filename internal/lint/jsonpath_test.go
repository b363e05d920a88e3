package lint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const pathDoc = `
openapi: 3.0.3
info:
  title: Pets
  description: top
paths:
  /pets:
    get:
      description: list
      tags: [pets]
    post:
      description: create
  /pets/{id}:
    get:
      description: show
tags:
  - name: pets
  - name: admin
`

func parseNode(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return doc.Content[0]
}

func matchPaths(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = FormatPath(m.Path)
	}
	return out
}

func TestCompilePath_errors(t *testing.T) {
	for _, expr := range []string{"", "info", "$.", "$..", "$[", "$['open", "$[*", "$[-1]", "$[?(@.x)]", "$#"} {
		_, err := CompilePath(expr)
		assert.Error(t, err, "CompilePath(%q)", expr)
	}
}

func TestPath_Find(t *testing.T) {
	root := parseNode(t, pathDoc)

	tests := []struct {
		expr string
		want []string
	}{
		{"$", []string{""}},
		{"$.info", []string{"info"}},
		{"$.info.title", []string{"info.title"}},
		{"$['info']['title']", []string{"info.title"}},
		{`$["paths"]["/pets"]`, []string{"paths./pets"}},
		{"$.paths.*", []string{"paths./pets", "paths./pets/{id}"}},
		{"$.paths.*.get", []string{"paths./pets.get", "paths./pets/{id}.get"}},
		{"$.paths[*].post", []string{"paths./pets.post"}},
		{"$.tags[1].name", []string{"tags.1.name"}},
		{"$.tags[*].name", []string{"tags.0.name", "tags.1.name"}},
		{"$..description", []string{"info.description", "paths./pets.get.description", "paths./pets.post.description", "paths./pets/{id}.get.description"}},
		{"$.missing", nil},
		{"$.tags[5]", nil},
		{"$.info.title.deeper", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := CompilePath(tt.expr)
			require.NoError(t, err)
			got := p.Find(root)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, matchPaths(got))
		})
	}
}

func TestPath_Find_keepsKeyNodes(t *testing.T) {
	root := parseNode(t, pathDoc)
	p, err := CompilePath("$.paths.*")
	require.NoError(t, err)

	got := p.Find(root)
	require.Len(t, got, 2)
	assert.Equal(t, "/pets", got[0].Key.Value)
	assert.Equal(t, 7, got[0].Key.Line)
	assert.Equal(t, "/pets/{id}", got[1].Key.Value)
}

func TestPath_Find_followsAliases(t *testing.T) {
	root := parseNode(t, `
base: &b
  name: shared
copy: *b
`)
	p, err := CompilePath("$.copy.name")
	require.NoError(t, err)

	got := p.Find(root)
	require.Len(t, got, 1)
	assert.Equal(t, "shared", got[0].Node.Value)
}

func TestPath_Find_descendantStopsAtAliasCycle(t *testing.T) {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	root.Content = []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "description"},
		{Kind: yaml.ScalarNode, Value: "top"},
		{Kind: yaml.ScalarNode, Value: "self"},
		{Kind: yaml.AliasNode, Value: "root", Alias: root},
	}
	p, err := CompilePath("$..description")
	require.NoError(t, err)

	got := p.Find(root)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"description"}, got[0].Path)
}

func TestPath_Find_nilRoot(t *testing.T) {
	p, err := CompilePath("$.info")
	require.NoError(t, err)
	assert.Nil(t, p.Find(nil))
}
