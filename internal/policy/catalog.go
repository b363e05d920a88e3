// Package policy edits the ordered policy lists attached to API operations.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/portico/model"
)

// Parameter validation codes.
const (
	CodeRequired         = "REQUIRED"
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodePatternMismatch  = "PATTERN_MISMATCH"
	CodeNotAllowed       = "NOT_ALLOWED"
	CodeUnknownAttribute = "UNKNOWN_ATTRIBUTE"
)

// CatalogSource lists the policies a tenant can attach.
type CatalogSource interface {
	ListCommonPolicies(ctx context.Context) (model.PolicyList, error)
	ListAPIPolicies(ctx context.Context, apiID string) (model.PolicyList, error)
}

// Catalog is the set of policies editable for one API, sorted by display
// name.
type Catalog struct {
	specs []model.PolicySpec
	byID  map[string]int
}

// LoadCatalog fetches the common and API-specific lists concurrently and
// merges them.
func LoadCatalog(ctx context.Context, src CatalogSource, apiID string) (*Catalog, error) {
	var common, specific model.PolicyList
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		common, err = src.ListCommonPolicies(gctx)
		if err != nil {
			return fmt.Errorf("list common policies: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		specific, err = src.ListAPIPolicies(gctx, apiID)
		if err != nil {
			return fmt.Errorf("list API policies: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewCatalog(common.List, specific.List), nil
}

// NewCatalog unions the two lists by display name. API-specific entries
// replace common entries with the same display name.
func NewCatalog(common, apiSpecific []model.PolicySpec) *Catalog {
	byName := make(map[string]model.PolicySpec, len(common)+len(apiSpecific))
	for _, p := range common {
		byName[p.DisplayName] = p
	}
	for _, p := range apiSpecific {
		byName[p.DisplayName] = p
	}

	c := &Catalog{
		specs: make([]model.PolicySpec, 0, len(byName)),
		byID:  make(map[string]int, len(byName)),
	}
	for _, p := range byName {
		c.specs = append(c.specs, p)
	}
	sort.Slice(c.specs, func(i, j int) bool {
		a, b := c.specs[i], c.specs[j]
		if a.DisplayName != b.DisplayName {
			return strings.ToLower(a.DisplayName) < strings.ToLower(b.DisplayName)
		}
		return a.ID < b.ID
	})
	for i, p := range c.specs {
		c.byID[p.ID] = i
	}
	return c
}

// Specs returns the catalog entries in display order.
func (c *Catalog) Specs() []model.PolicySpec {
	out := make([]model.PolicySpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Get returns the entry with the given policy id.
func (c *Catalog) Get(policyID string) (model.PolicySpec, bool) {
	i, ok := c.byID[policyID]
	if !ok {
		return model.PolicySpec{}, false
	}
	return c.specs[i], true
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.specs) }

// ValidateParameters checks params against the attributes of spec and
// returns one field error per problem.
func ValidateParameters(spec model.PolicySpec, params model.Parameters) []model.FieldError {
	var errs []model.FieldError
	for _, attr := range spec.PolicyAttributes {
		v, ok := params[attr.Name]
		if !ok {
			if attr.Required {
				errs = append(errs, fieldError(attr.Name, CodeRequired, fmt.Sprintf("%s is required", label(attr))))
			}
			continue
		}
		if !typeMatches(attr.Type, v) {
			errs = append(errs, fieldError(attr.Name, CodeTypeMismatch,
				fmt.Sprintf("%s must be of type %s", label(attr), attr.Type)))
			continue
		}
		if attr.Type == model.AttributeEnum && len(attr.AllowedValues) > 0 && !contains(attr.AllowedValues, v.Str) {
			errs = append(errs, fieldError(attr.Name, CodeNotAllowed,
				fmt.Sprintf("%s must be one of %s", label(attr), strings.Join(attr.AllowedValues, ", "))))
			continue
		}
		if attr.ValidationRegex != "" && (attr.Type == model.AttributeString || attr.Type == model.AttributeEnum) {
			re, err := regexp.Compile(attr.ValidationRegex)
			if err != nil {
				// A broken regex in the catalog is not the caller's fault.
				continue
			}
			if !re.MatchString(v.Str) {
				errs = append(errs, fieldError(attr.Name, CodePatternMismatch,
					fmt.Sprintf("%s does not match %s", label(attr), attr.ValidationRegex)))
			}
		}
	}

	var unknown []string
	for name := range params {
		if _, ok := spec.Attribute(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fieldError(name, CodeUnknownAttribute,
			fmt.Sprintf("policy %s has no attribute %q", spec.ID, name)))
	}
	return errs
}

// Coerce converts loosely typed input (decoded JSON, form values) into
// tagged parameters using the attribute types of spec. Missing attributes
// with a default value receive it.
func Coerce(spec model.PolicySpec, raw map[string]any) (model.Parameters, []model.FieldError) {
	params := make(model.Parameters, len(raw))
	var errs []model.FieldError

	for name, in := range raw {
		if in == nil {
			continue
		}
		attr, ok := spec.Attribute(name)
		if !ok {
			v, err := model.ValueOf(in)
			if err != nil {
				errs = append(errs, fieldError(name, CodeTypeMismatch, err.Error()))
				continue
			}
			params[name] = v
			continue
		}
		v, err := coerceValue(attr.Type, in)
		if err != nil {
			errs = append(errs, fieldError(name, CodeTypeMismatch,
				fmt.Sprintf("%s: %v", label(attr), err)))
			continue
		}
		params[name] = v
	}

	for _, attr := range spec.PolicyAttributes {
		if _, ok := params[attr.Name]; ok || attr.DefaultValue == "" {
			continue
		}
		if in, given := raw[attr.Name]; given && in != nil {
			continue
		}
		if v, err := coerceValue(attr.Type, attr.DefaultValue); err == nil {
			params[attr.Name] = v
		}
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return params, errs
}

func coerceValue(t model.AttributeType, in any) (model.Value, error) {
	switch t {
	case model.AttributeInteger:
		switch v := in.(type) {
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return model.Value{}, fmt.Errorf("%q is not an integer", v)
			}
			return model.IntegerValue(i), nil
		case bool:
			return model.Value{}, fmt.Errorf("boolean is not an integer")
		}
		v, err := model.ValueOf(in)
		if err != nil {
			return model.Value{}, err
		}
		if v.Kind != model.AttributeInteger {
			return model.Value{}, fmt.Errorf("expected an integer")
		}
		return v, nil
	case model.AttributeBoolean:
		switch v := in.(type) {
		case bool:
			return model.BoolValue(v), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return model.Value{}, fmt.Errorf("%q is not a boolean", v)
			}
			return model.BoolValue(b), nil
		}
		return model.Value{}, fmt.Errorf("expected a boolean")
	case model.AttributeEnum:
		s, ok := in.(string)
		if !ok {
			return model.Value{}, fmt.Errorf("expected a string")
		}
		return model.EnumValue(s), nil
	default:
		v, err := model.ValueOf(in)
		if err != nil {
			return model.Value{}, err
		}
		return model.StringValue(v.String()), nil
	}
}

func typeMatches(t model.AttributeType, v model.Value) bool {
	if t == "" {
		return true
	}
	if t == model.AttributeEnum {
		return v.Kind == model.AttributeEnum || v.Kind == model.AttributeString
	}
	return v.Kind == t
}

func label(attr model.PolicyAttribute) string {
	if attr.DisplayName != "" {
		return attr.DisplayName
	}
	return attr.Name
}

func fieldError(field, code, msg string) model.FieldError {
	return model.FieldError{Field: field, Code: code, Message: msg}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
