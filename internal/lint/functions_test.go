package lint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctions_whitelist(t *testing.T) {
	assert.Equal(t, []string{
		"alphabetical", "casing", "defined", "enumeration", "falsy", "length",
		"pattern", "truthy", "undefined", "unreferencedReusableObject", "xor",
	}, Functions())

	_, known := lookupFunction("eval")
	assert.False(t, known)
}

func TestFunctions(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		doc   string
		count int
	}{
		{
			name:  "truthy passes on non-empty string",
			rule:  "given: $.info\nthen: {field: title, function: truthy}",
			doc:   "info: {title: x}",
			count: 0,
		},
		{
			name:  "truthy fails on false",
			rule:  "given: $.info\nthen: {field: deprecated, function: truthy}",
			doc:   "info: {deprecated: false}",
			count: 1,
		},
		{
			name:  "truthy fails on empty string",
			rule:  "given: $.info\nthen: {field: title, function: truthy}",
			doc:   `info: {title: ""}`,
			count: 1,
		},
		{
			name:  "falsy fails on object",
			rule:  "given: $\nthen: {field: info, function: falsy}",
			doc:   "info: {}",
			count: 1,
		},
		{
			name:  "falsy passes on zero",
			rule:  "given: $.info\nthen: {field: count, function: falsy}",
			doc:   "info: {count: 0}",
			count: 0,
		},
		{
			name:  "defined passes on null value",
			rule:  "given: $.info\nthen: {field: x, function: defined}",
			doc:   "info: {x: null}",
			count: 0,
		},
		{
			name:  "undefined fails when present",
			rule:  "given: $.info\nthen: {field: x, function: undefined}",
			doc:   "info: {x: 1}",
			count: 1,
		},
		{
			name:  "enumeration rejects unknown value",
			rule:  "given: $.paths.*.*\nthen: {field: x-visibility, function: enumeration, functionOptions: {values: [public, internal]}}",
			doc:   "paths: {/a: {get: {x-visibility: secret}, put: {x-visibility: public}}}",
			count: 1,
		},
		{
			name:  "enumeration ignores absent field",
			rule:  "given: $.info\nthen: {field: x, function: enumeration, functionOptions: {values: [a]}}",
			doc:   "info: {}",
			count: 0,
		},
		{
			name:  "length max on array",
			rule:  "given: $\nthen: {field: tags, function: length, functionOptions: {max: 1}}",
			doc:   "tags: [a, b]",
			count: 1,
		},
		{
			name:  "length min on number",
			rule:  "given: $\nthen: {field: port, function: length, functionOptions: {min: 1024}}",
			doc:   "port: 80",
			count: 1,
		},
		{
			name:  "length counts runes",
			rule:  "given: $\nthen: {field: name, function: length, functionOptions: {max: 3}}",
			doc:   "name: äöü",
			count: 0,
		},
		{
			name:  "pattern match with flags",
			rule:  "given: $.info\nthen: {field: title, function: pattern, functionOptions: {match: '/^pets/i'}}",
			doc:   "info: {title: PETS api}",
			count: 0,
		},
		{
			name:  "pattern match and notMatch both fail",
			rule:  "given: $.info\nthen: {field: title, function: pattern, functionOptions: {match: '^a', notMatch: 'b$'}}",
			doc:   "info: {title: xb}",
			count: 2,
		},
		{
			name:  "casing camel",
			rule:  "given: $.paths.*.*\nthen: {field: operationId, function: casing, functionOptions: {type: camel}}",
			doc:   "paths: {/a: {get: {operationId: listPets}, put: {operationId: ListPets}, post: {operationId: list_pets}}}",
			count: 2,
		},
		{
			name:  "casing kebab disallowing digits",
			rule:  "given: $.paths.*\nthen: {field: '@key', function: casing, functionOptions: {type: kebab, disallowDigits: true}}",
			doc:   "paths: {pet-store: {}, pet-store2: {}}",
			count: 1,
		},
		{
			name:  "casing with separator",
			rule:  "given: $.paths.*\nthen: {field: '@key', function: casing, functionOptions: {type: kebab, separator: {char: /, allowLeading: true}}}",
			doc:   "paths: {/pet-store/items: {}, /petStore: {}}",
			count: 1,
		},
		{
			name:  "alphabetical mapping keys",
			rule:  "given: $\nthen: {field: paths, function: alphabetical}",
			doc:   "paths: {/b: {}, /a: {}}",
			count: 1,
		},
		{
			name:  "alphabetical keyed by",
			rule:  "given: $\nthen: {field: tags, function: alphabetical, functionOptions: {keyedBy: name}}",
			doc:   "tags: [{name: a}, {name: b}, {name: c}]",
			count: 0,
		},
		{
			name:  "xor both present",
			rule:  "given: $.components.examples.*\nthen: {function: xor, functionOptions: {properties: [value, externalValue]}}",
			doc:   "components: {examples: {one: {value: 1, externalValue: x}, two: {value: 2}, three: {}}}",
			count: 2,
		},
		{
			name:  "unreferenced reusable object",
			rule:  "given: $.components.schemas\nthen: {function: unreferencedReusableObject, functionOptions: {reusableObjectsLocation: '#/components/schemas'}}",
			doc:   "paths: {/a: {get: {responses: {'200': {content: {application/json: {schema: {$ref: '#/components/schemas/Pet'}}}}}}}}\ncomponents: {schemas: {Pet: {}, Orphan: {}}}",
			count: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := compileRules(t, "rules:\n  r:\n"+indent(tt.rule))
			findings := runRules(t, rs, tt.doc)
			assert.Len(t, findings, tt.count, "findings: %+v", findings)
		})
	}
}

func TestUnreferencedReusableObject_pointsAtKey(t *testing.T) {
	rs := compileRules(t, `
rules:
  unused:
    given: $.components.schemas
    then:
      function: unreferencedReusableObject
      functionOptions: {reusableObjectsLocation: "#/components/schemas"}
`)
	findings := runRules(t, rs, "components:\n  schemas:\n    Used: {}\n    Orphan: {}\nx:\n  $ref: '#/components/schemas/Used'\n")
	require.Len(t, findings, 1)
	assert.Equal(t, "components.schemas.Orphan", findings[0].Path)
	assert.Equal(t, 3, findings[0].Line)
}

func TestCompileRegex(t *testing.T) {
	re, err := compileRegex("/^abc$/im")
	require.NoError(t, err)
	assert.True(t, re.MatchString("x\nABC"))

	re, err = compileRegex("a/b")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a/b"))
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}
