package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/editor"
	"github.com/pitabwire/portico/internal/lint"
	"github.com/pitabwire/portico/internal/notify"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/model"
)

type lintRequest struct {
	Content string `json:"content"`
}

// lintResponse carries the run result, the notifications raised while
// producing it and the marker updates an editor should apply. A stale run
// lost to a newer one for the same API and carries no decorations.
type lintResponse struct {
	Result        model.LintRunResult   `json:"result"`
	Notifications []notify.Notification `json:"notifications"`
	Decorations   []editor.Action       `json:"decorations"`
	Stale         bool                  `json:"stale"`
}

func handleLint(linter *lint.Linter, seq *lint.Sequencer, metrics *observability.Metrics, maxBody int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiID := chi.URLParam(r, "apiId")

		var body lintRequest
		if err := decodeBody(w, r, maxBody, &body); err != nil {
			WriteError(w, err)
			return
		}

		collector := &notify.Collector{}
		ctx := notify.WithNotifier(r.Context(), notify.Tee{collector, notify.NewLogNotifier(observability.RequestLogger(r.Context(), logger))})

		n := seq.Begin()
		result := linter.Lint(ctx, apiID, []byte(body.Content))

		key := model.TenantFrom(ctx) + "/" + apiID
		prev, ok := seq.Commit(key, n, result)
		resp := lintResponse{
			Result:        result,
			Notifications: collector.Items(),
			Decorations:   []editor.Action{},
		}
		resp.Result.Sequence = n
		if ok {
			resp.Decorations = editor.Plan(prev, result)
		} else {
			resp.Stale = true
			metrics.RecordStaleLintResult()
		}

		if r.URL.Query().Get("format") == "sarif" {
			w.Header().Set("Content-Type", "application/sarif+json")
			w.WriteHeader(http.StatusOK)
			if err := lint.WriteSARIF(w, resp.Result, apiID); err != nil {
				observability.RequestLogger(ctx, logger).Warn("write sarif report", zap.Error(err))
			}
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleLintLatest(seq *lint.Sequencer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiID := chi.URLParam(r, "apiId")
		result, ok := seq.Latest(model.TenantFrom(r.Context()) + "/" + apiID)
		if !ok {
			WriteNotFound(w, "no lint run recorded for API "+apiID)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
