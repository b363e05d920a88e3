package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/portico/model"
)

// Validation error codes.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeUnsupportedKind  = "UNSUPPORTED_KIND"
	CodeInvalidStructure = "INVALID_STRUCTURE"
	CodeUnresolvedRef    = "UNRESOLVED_REF"
	CodeConversionFailed = "CONVERSION_FAILED"
)

// ValidationResult is the outcome of a structural validation. Errors are
// inline findings, never Go errors; a malformed document is invalid, not a
// failure of the validator.
type ValidationResult struct {
	Valid   bool               `json:"valid"`
	Kind    Kind               `json:"kind"`
	Version string             `json:"version,omitempty"`
	Title   string             `json:"title,omitempty"`
	Errors  []model.FieldError `json:"errors"`
}

// ValidateStructure checks an OpenAPI 3 or Swagger 2 document against the
// specification schema. Swagger 2 documents are converted to OpenAPI 3 first.
// External references are not followed.
func ValidateStructure(ctx context.Context, content []byte) ValidationResult {
	doc, err := Parse(content)
	if err != nil {
		return invalid(KindUnknown, "", fieldErrorFor(err))
	}

	switch doc.Kind {
	case KindOpenAPI3:
		return validateOpenAPI3(ctx, doc, content)
	case KindSwagger2:
		return validateSwagger2(ctx, doc)
	default:
		return invalid(doc.Kind, doc.Version, model.FieldError{
			Field:   "$",
			Code:    CodeUnsupportedKind,
			Message: fmt.Sprintf("structural validation supports OpenAPI 3 and Swagger 2 documents, got %s", doc.Kind),
		})
	}
}

func validateOpenAPI3(ctx context.Context, doc *Document, content []byte) ValidationResult {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	loader.Context = ctx

	spec, err := loader.LoadFromData(content)
	if err != nil {
		return invalid(doc.Kind, doc.Version, model.FieldError{
			Field:   "$",
			Code:    loadErrorCode(err),
			Message: err.Error(),
		})
	}
	return finish(ctx, doc, spec)
}

func validateSwagger2(ctx context.Context, doc *Document) ValidationResult {
	// openapi2.T only decodes JSON.
	raw, err := doc.Render(FormatJSON)
	if err != nil {
		return invalid(doc.Kind, doc.Version, fieldErrorFor(err))
	}

	var v2 openapi2.T
	if err := json.Unmarshal(raw, &v2); err != nil {
		return invalid(doc.Kind, doc.Version, model.FieldError{
			Field:   "$",
			Code:    CodeInvalidStructure,
			Message: err.Error(),
		})
	}

	spec, err := openapi2conv.ToV3(&v2)
	if err != nil {
		return invalid(doc.Kind, doc.Version, model.FieldError{
			Field:   "$",
			Code:    CodeConversionFailed,
			Message: err.Error(),
		})
	}
	return finish(ctx, doc, spec)
}

func finish(ctx context.Context, doc *Document, spec *openapi3.T) ValidationResult {
	res := ValidationResult{Kind: doc.Kind, Version: doc.Version, Errors: []model.FieldError{}}
	if spec.Info != nil {
		res.Title = spec.Info.Title
	}

	if err := spec.Validate(ctx); err != nil {
		res.Errors = append(res.Errors, structureErrors(err)...)
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// structureErrors flattens kin-openapi validation errors into field errors.
func structureErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, structureErrors(e)...)
		}
		return out
	}
	return []model.FieldError{{
		Field:   structurePath(err.Error()),
		Code:    CodeInvalidStructure,
		Message: err.Error(),
	}}
}

// structurePath derives a dotted location from kin-openapi messages of the
// form `invalid paths: invalid path /pets: ...`. Unknown shapes map to "$".
func structurePath(msg string) string {
	var parts []string
	for _, seg := range strings.Split(msg, ": ") {
		if !strings.HasPrefix(seg, "invalid ") {
			break
		}
		fields := strings.Fields(strings.TrimPrefix(seg, "invalid "))
		if len(fields) == 0 {
			break
		}
		parts = append(parts, fields[len(fields)-1])
	}
	if len(parts) == 0 {
		return "$"
	}
	return strings.Join(parts, ".")
}

func loadErrorCode(err error) string {
	if strings.Contains(err.Error(), "$ref") || strings.Contains(err.Error(), "resolve") {
		return CodeUnresolvedRef
	}
	return CodeInvalidStructure
}

func fieldErrorFor(err error) model.FieldError {
	fe := model.FieldError{Field: "$", Code: CodeParseError, Message: err.Error()}
	var ferr *FormatError
	if errors.As(err, &ferr) && ferr.Line > 0 {
		fe.Field = fmt.Sprintf("line %d", ferr.Line)
		fe.Message = ferr.Message
	}
	return fe
}

func invalid(kind Kind, version string, errs ...model.FieldError) ValidationResult {
	return ValidationResult{Kind: kind, Version: version, Errors: errs}
}
