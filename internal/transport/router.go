package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/config"
	"github.com/pitabwire/portico/internal/lint"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/internal/policy"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Linter       *lint.Linter
	Sequencer    *lint.Sequencer
	Sessions     *policy.Registry
	Catalogs     policy.CatalogSource
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seq := deps.Sequencer
	if seq == nil {
		seq = lint.NewSequencer(0, 0)
	}
	maxBody := deps.Config.Server.MaxBodyBytes

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/definitions/normalize", handleNormalize(maxBody))
			r.Post("/definitions/validate", handleValidate(maxBody))

			if deps.Linter != nil {
				r.Post("/apis/{apiId}/lint", handleLint(deps.Linter, seq, deps.Metrics, maxBody, logger))
				r.Get("/apis/{apiId}/lint", handleLintLatest(seq))
			}
			if deps.Catalogs != nil {
				r.Get("/apis/{apiId}/policies", handleListPolicies(deps.Catalogs))
			}
			if deps.Sessions != nil {
				r.Post("/apis/{apiId}/policy-sessions", handleSessionOpen(deps.Sessions))
				r.Route("/policy-sessions/{sessionId}", func(r chi.Router) {
					r.Get("/", handleSessionGet(deps.Sessions))
					r.Delete("/", handleSessionClose(deps.Sessions))
					r.Post("/attachments", handleAttach(deps.Sessions, maxBody))
					r.Delete("/attachments/{uniqueKey}", handleDetach(deps.Sessions))
					r.Post("/reorder", handleReorder(deps.Sessions, maxBody))
					r.Post("/save", handleSave(deps.Sessions))
				})
			}
		})
	})

	return r
}
