package transport

import (
	"errors"
	"net/http"

	"github.com/pitabwire/portico/internal/definition"
	"github.com/pitabwire/portico/model"
)

type normalizeRequest struct {
	Content string `json:"content" validate:"required"`
	Target  string `json:"target" validate:"omitempty,oneof=json yaml yml"`
}

type normalizeResponse struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	Kind    string `json:"kind"`
	Version string `json:"version,omitempty"`
}

func handleNormalize(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body normalizeRequest
		if err := decodeBody(w, r, maxBody, &body); err != nil {
			WriteError(w, err)
			return
		}

		target := definition.FormatUnknown
		if body.Target != "" {
			target, _ = definition.ParseFormat(body.Target)
		}

		out, doc, err := definition.Normalize([]byte(body.Content), target)
		if err != nil {
			WriteError(w, definitionError(err))
			return
		}
		if target == definition.FormatUnknown {
			target = doc.Format
		}
		WriteJSON(w, http.StatusOK, normalizeResponse{
			Content: string(out),
			Format:  target.String(),
			Kind:    string(doc.Kind),
			Version: doc.Version,
		})
	}
}

type validateRequest struct {
	Content string `json:"content" validate:"required"`
}

func handleValidate(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body validateRequest
		if err := decodeBody(w, r, maxBody, &body); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, definition.ValidateStructure(r.Context(), []byte(body.Content)))
	}
}

// definitionError turns a parse failure into a DEFINITION_INVALID envelope
// that names the failing line when the parser reported one.
func definitionError(err error) error {
	env := model.NewDefinitionError(err.Error())
	var fe *definition.FormatError
	if errors.As(err, &fe) && fe.Line > 0 {
		env.Details = []model.FieldError{{
			Field:   "content",
			Code:    "PARSE_ERROR",
			Message: fe.Error(),
		}}
	}
	return env
}
