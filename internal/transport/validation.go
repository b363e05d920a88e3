package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/portico/model"
)

// requestValidate validates decoded request bodies. Field names in errors
// are the JSON names.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())
	requestValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = requestValidate.RegisterValidation("flow", validateFlow)
}

func validateFlow(fl validator.FieldLevel) bool {
	_, err := model.ParseFlow(fl.Field().String())
	return err == nil
}

// decodeBody reads a JSON body of at most maxBytes into dst and validates
// it. The returned error is always an *model.ErrorEnvelope.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("request body is empty")
		default:
			return model.NewBadRequestError("request body is not valid JSON")
		}
	}
	return validateStruct(dst)
}

// validateStruct runs the struct tags of v and converts failures to a
// VALIDATION_ERROR envelope.
func validateStruct(v any) error {
	err := requestValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewBadRequestError(err.Error())
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldErrorFrom(fe))
	}
	return model.NewValidationError(details)
}

func fieldErrorFrom(fe validator.FieldError) model.FieldError {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return model.FieldError{Field: field, Code: "REQUIRED", Message: field + " is required"}
	case "oneof":
		return model.FieldError{Field: field, Code: "INVALID_VALUE", Message: fmt.Sprintf("%s must be one of: %s", field, fe.Param())}
	case "flow":
		return model.FieldError{Field: field, Code: "INVALID_VALUE", Message: field + " must be request, response or fault"}
	case "min", "gte":
		return model.FieldError{Field: field, Code: "OUT_OF_RANGE", Message: fmt.Sprintf("%s must be at least %s", field, fe.Param())}
	default:
		return model.FieldError{Field: field, Code: "INVALID_VALUE", Message: fmt.Sprintf("%s failed %s validation", field, fe.Tag())}
	}
}
