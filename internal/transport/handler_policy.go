package transport

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/portico/internal/policy"
	"github.com/pitabwire/portico/model"
)

// sessionView is the client representation of an editing session. The
// operations carry unique keys so the client can address entries.
type sessionView struct {
	SessionID  string               `json:"sessionId"`
	APIID      string               `json:"apiId"`
	Operations []model.APIOperation `json:"operations"`
}

func viewOf(s *policy.Session) sessionView {
	return sessionView{
		SessionID:  s.ID,
		APIID:      s.APIID,
		Operations: s.Store.Snapshot(),
	}
}

func handleSessionOpen(reg *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.Open(r.Context(), chi.URLParam(r, "apiId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewOf(s))
	}
}

func handleSessionGet(reg *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

func handleSessionClose(reg *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg.Close(r.Context(), chi.URLParam(r, "sessionId"))
		w.WriteHeader(http.StatusNoContent)
	}
}

type attachRequest struct {
	Target     string         `json:"target" validate:"required_unless=ApplyToAll true"`
	Verb       string         `json:"verb" validate:"required_unless=ApplyToAll true"`
	Flow       string         `json:"flow" validate:"required,flow"`
	PolicyID   string         `json:"policyId" validate:"required"`
	UniqueKey  string         `json:"uuid"`
	Parameters map[string]any `json:"parameters"`
	ApplyToAll bool           `json:"applyToAll"`
}

type attachResponse struct {
	sessionView
	UniqueKey string `json:"uuid,omitempty"`
	Changed   int    `json:"changed"`
}

func handleAttach(reg *policy.Registry, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var body attachRequest
		if err := decodeBody(w, r, maxBody, &body); err != nil {
			WriteError(w, err)
			return
		}
		flow, _ := model.ParseFlow(body.Flow)

		params, err := parametersFor(s.Store.Catalog(), body.PolicyID, body.Parameters)
		if err != nil {
			WriteError(w, err)
			return
		}
		p := model.AttachedPolicy{
			UniqueKey:  body.UniqueKey,
			PolicyID:   body.PolicyID,
			Parameters: params,
		}

		resp := attachResponse{}
		if body.ApplyToAll {
			resp.Changed, err = s.Store.ApplyToAll(p, flow)
		} else {
			resp.UniqueKey, err = s.Store.Attach(p, body.Target, body.Verb, flow)
			resp.Changed = 1
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		resp.sessionView = viewOf(s)
		WriteJSON(w, http.StatusOK, resp)
	}
}

// parametersFor coerces raw parameters with the attribute types of the
// policy when a catalog is bound. Without one, values keep their JSON type.
func parametersFor(catalog *policy.Catalog, policyID string, raw map[string]any) (model.Parameters, error) {
	if catalog != nil {
		spec, ok := catalog.Get(policyID)
		if !ok {
			return nil, model.NewPolicyNotFoundError(policyID)
		}
		params, errs := policy.Coerce(spec, raw)
		if len(errs) > 0 {
			return nil, model.NewInvalidParametersError(errs)
		}
		return params, nil
	}

	params := make(model.Parameters, len(raw))
	var errs []model.FieldError
	for name, in := range raw {
		if in == nil {
			continue
		}
		v, err := model.ValueOf(in)
		if err != nil {
			errs = append(errs, model.FieldError{Field: name, Code: policy.CodeTypeMismatch, Message: err.Error()})
			continue
		}
		params[name] = v
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return nil, model.NewInvalidParametersError(errs)
	}
	return params, nil
}

type detachQuery struct {
	Target string `json:"target" validate:"required"`
	Verb   string `json:"verb" validate:"required"`
	Flow   string `json:"flow" validate:"required,flow"`
}

func handleDetach(reg *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		q := r.URL.Query()
		query := detachQuery{Target: q.Get("target"), Verb: q.Get("verb"), Flow: q.Get("flow")}
		if err := validateStruct(&query); err != nil {
			WriteError(w, err)
			return
		}
		if _, err := s.Store.Operation(query.Target, query.Verb); err != nil {
			WriteError(w, err)
			return
		}
		flow, _ := model.ParseFlow(query.Flow)
		s.Store.Detach(chi.URLParam(r, "uniqueKey"), query.Target, query.Verb, flow)
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

type reorderRequest struct {
	Target string `json:"target" validate:"required"`
	Verb   string `json:"verb" validate:"required"`
	Flow   string `json:"flow" validate:"required,flow"`
	From   *int   `json:"from" validate:"required"`
	To     *int   `json:"to" validate:"required"`
}

func handleReorder(reg *policy.Registry, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := reg.Get(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var body reorderRequest
		if err := decodeBody(w, r, maxBody, &body); err != nil {
			WriteError(w, err)
			return
		}
		op, err := s.Store.Operation(body.Target, body.Verb)
		if err != nil {
			WriteError(w, err)
			return
		}
		flow, _ := model.ParseFlow(body.Flow)
		op.Reorder(flow, *body.From, *body.To)
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

func handleSave(reg *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionId")
		if err := reg.Save(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		s, err := reg.Get(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(s))
	}
}

func handleListPolicies(src policy.CatalogSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		catalog, err := policy.LoadCatalog(r.Context(), src, chi.URLParam(r, "apiId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		specs := catalog.Specs()
		WriteJSON(w, http.StatusOK, model.PolicyList{Count: len(specs), List: specs})
	}
}
