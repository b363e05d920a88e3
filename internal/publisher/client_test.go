package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/portico/internal/config"
	"github.com/pitabwire/portico/model"
)

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*config.PublisherConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.PublisherConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, WithToken("secret"))
}

func tenantContext(tenant string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u1", TenantID: tenant})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envelope(t *testing.T, err error) *model.ErrorEnvelope {
	t.Helper()
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env), "error %v is not an envelope", err)
	return env
}

func TestClient_GetSwagger(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/{apiId}/swagger", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "api-7", r.PathValue("apiId"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get(TenantHeader))
		_, _ = io.WriteString(w, "openapi: 3.0.3\n")
	})
	c := newTestClient(t, mux)

	got, err := c.GetSwagger(tenantContext("acme"), "api-7")
	require.NoError(t, err)
	assert.Equal(t, "openapi: 3.0.3\n", string(got))
}

func TestClient_UpdateSwagger_sendsMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /apis/{apiId}/swagger", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, _ = io.WriteString(w, r.FormValue("apiDefinition"))
	})
	c := newTestClient(t, mux)

	got, err := c.UpdateSwagger(context.Background(), "api-7", []byte(`{"openapi":"3.0.3"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"openapi":"3.0.3"}`, string(got))
}

func TestClient_GetAsyncAPIDefinition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/{apiId}/asyncapi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asyncapi: 2.6.0\n")
	})
	c := newTestClient(t, mux)

	got, err := c.GetAsyncAPIDefinition(context.Background(), "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "asyncapi: 2.6.0\n", string(got))
}

func TestClient_backendError_usesDescription(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		code    string
		message string
	}{
		{"description", http.StatusBadRequest, map[string]any{"code": 900, "description": "API is in a blocked state"}, model.ErrBackendFailure, "API is in a blocked state"},
		{"no description", http.StatusBadRequest, map[string]any{"code": 900}, model.ErrBackendFailure, model.GenericBackendMessage},
		{"not json", http.StatusBadRequest, "oops", model.ErrBackendFailure, model.GenericBackendMessage},
		{"not found", http.StatusNotFound, map[string]any{"description": "API not found"}, model.ErrNotFound, "API not found"},
		{"conflict", http.StatusConflict, map[string]any{}, model.ErrConflict, "resource was changed concurrently"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			_, err := c.GetAPI(context.Background(), "api-1")
			env := envelope(t, err)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.message, env.Message)
		})
	}
}

func TestClient_backendError_details(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"description": "Invalid operations",
			"error":       []map[string]any{{"code": 1, "message": "operations[0].verb", "description": "unknown verb"}},
		})
	}))
	_, err := c.UpdateAPI(context.Background(), "api-1", nil)
	env := envelope(t, err)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "operations[0].verb", env.Details[0].Field)
	assert.Equal(t, "unknown verb", env.Details[0].Message)
}

func TestClient_GetLintRuleset(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantErr bool
	}{
		{"present", http.StatusOK, `{"rules":{"x":{"given":"$","then":{"function":"truthy"}}}}`, true, false},
		{"not found", http.StatusNotFound, `{"description":"no rules"}`, false, false},
		{"no content", http.StatusNoContent, ``, false, false},
		{"empty object", http.StatusOK, `{}`, false, false},
		{"server error", http.StatusInternalServerError, `{"description":"db down"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/linter-custom-rules", r.URL.Path)
				assert.Equal(t, "globex", r.Header.Get(TenantHeader))
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			data, ok, err := c.CustomRuleset(context.Background(), "globex")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.JSONEq(t, tt.body, string(data))
			}
		})
	}
}

func TestClient_ListCommonPolicies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operation-policies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.PolicyList{Count: 1, List: []model.PolicySpec{{ID: "c1", DisplayName: "Common"}}})
	})
	mux.HandleFunc("GET /apis/{apiId}/operation-policies", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "api-3", r.PathValue("apiId"))
		writeJSON(w, http.StatusOK, model.PolicyList{Count: 1, List: []model.PolicySpec{{ID: "a1", DisplayName: "Specific"}}})
	})
	c := newTestClient(t, mux)

	common, err := c.ListCommonPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", common.List[0].ID)

	specific, err := c.ListAPIPolicies(context.Background(), "api-3")
	require.NoError(t, err)
	assert.Equal(t, "a1", specific.List[0].ID)
}

func TestClient_UpdateOperations_sendsOperationsWithoutKeys(t *testing.T) {
	var body map[string]json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /apis/{apiId}", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, model.APIResource{ID: r.PathValue("apiId")})
	})
	c := newTestClient(t, mux)

	ops := []model.APIOperation{{
		Target: "/pets",
		Verb:   "GET",
		OperationPolicies: model.OperationPolicies{
			model.FlowRequest: {{PolicyID: "p1", Parameters: model.Parameters{"n": model.IntegerValue(2)}}},
		},
	}}
	require.NoError(t, c.UpdateOperations(context.Background(), "api-1", ops))

	require.Contains(t, body, "operations")
	assert.NotContains(t, string(body["operations"]), "uuid")
	assert.Contains(t, string(body["operations"]), `"parameters":{"n":2}`)
}

func TestClient_ValidateOpenAPIByInlineDefinition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /apis/validate-openapi", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.URL.Query().Get("returnContent"))
		switch {
		case r.FormValue("inlineAPIDefinition") != "":
			writeJSON(w, http.StatusOK, ValidationReport{IsValid: true, Info: &DefinitionInfo{Name: "Pets", Version: "1"}})
		case r.FormValue("url") != "":
			writeJSON(w, http.StatusOK, ValidationReport{IsValid: false, Errors: []ErrorDetail{{Message: "unreachable"}}})
		default:
			_, header, err := r.FormFile("file")
			require.NoError(t, err)
			writeJSON(w, http.StatusOK, ValidationReport{IsValid: true, Info: &DefinitionInfo{Name: header.Filename}})
		}
	})
	c := newTestClient(t, mux)

	inline, err := c.ValidateOpenAPIByInlineDefinition(context.Background(), []byte("openapi: 3.0.3"))
	require.NoError(t, err)
	assert.True(t, inline.IsValid)
	assert.Equal(t, "Pets", inline.Info.Name)

	byURL, err := c.ValidateOpenAPIByURL(context.Background(), "https://example.com/openapi.yaml")
	require.NoError(t, err)
	assert.False(t, byURL.IsValid)

	byFile, err := c.ValidateOpenAPIByFile(context.Background(), "pets.yaml", []byte("openapi: 3.0.3"))
	require.NoError(t, err)
	assert.Equal(t, "pets.yaml", byFile.Info.Name)
}

func TestClient_retries_idempotentRequestsOnly(t *testing.T) {
	var gets, puts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/{apiId}", func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, model.APIResource{ID: "api-1"})
	})
	mux.HandleFunc("PUT /apis/{apiId}", func(w http.ResponseWriter, r *http.Request) {
		puts.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{})
	})
	c := newTestClient(t, mux, func(cfg *config.PublisherConfig) {
		cfg.RetryCount = 2
		cfg.CircuitBreaker.FailureThreshold = 10
	})

	api, err := c.GetAPI(context.Background(), "api-1")
	require.NoError(t, err)
	assert.Equal(t, "api-1", api.ID)
	assert.Equal(t, int32(3), gets.Load())

	_, err = c.UpdateAPI(context.Background(), "api-1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), puts.Load())
}

func TestClient_Breaker_opensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"description": "boom"})
	}))

	for i := 0; i < 3; i++ {
		_, err := c.GetSwagger(context.Background(), "api-1")
		assert.Equal(t, "boom", envelope(t, err).Message)
	}
	assert.Equal(t, BreakerOpen, c.Breaker().State())
	assert.Error(t, c.HealthCheck(context.Background()))

	_, err := c.GetSwagger(context.Background(), "api-1")
	assert.Equal(t, model.ErrBackendUnavailable, envelope(t, err).Code)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_unreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(config.PublisherConfig{BaseURL: srv.URL, Timeout: time.Second})

	_, err := c.GetAPI(context.Background(), "api-1")
	env := envelope(t, err)
	assert.Equal(t, model.ErrBackendFailure, env.Code)
	assert.Equal(t, model.GenericBackendMessage, env.Message)
}

func TestClient_timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), func(cfg *config.PublisherConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})
	defer close(release)

	_, err := c.GetAPI(context.Background(), "api-1")
	assert.Equal(t, model.ErrBackendTimeout, envelope(t, err).Code)
}
