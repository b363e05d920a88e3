// Package integration provides a reusable test harness for end-to-end
// testing of the Portico server. It starts a full HTTP server wired to a
// mock publisher backend, a Redis rule set cache on miniredis, and a test
// JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/config"
	"github.com/pitabwire/portico/internal/lint"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/internal/policy"
	"github.com/pitabwire/portico/internal/publisher"
	"github.com/pitabwire/portico/internal/transport"
	"github.com/pitabwire/portico/model"
)

// TestHarness encapsulates a fully wired Portico instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Publisher    *MockPublisher
	Redis        *miniredis.Miniredis
	Client       *publisher.Client
	Linter       *lint.Linter
	RulesetCache *lint.RedisRulesetCache
	Sessions     *policy.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout   time.Duration
	publisherTimeout time.Duration
	breaker          config.CircuitBreakerConfig
	rulesetTTL       time.Duration
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPublisherTimeout sets the timeout of calls to the publisher backend.
func WithPublisherTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.publisherTimeout = d
	}
}

// WithCircuitBreaker overrides the publisher circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// NewTestHarness creates and starts a full Portico test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:   10 * time.Second,
		publisherTimeout: 2 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		rulesetTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Mock publisher backend and Redis.
	h.Publisher = newMockPublisher(t)
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// Step 2: Publisher client, rule set cache and linter.
	h.Client = publisher.New(config.PublisherConfig{
		BaseURL:        h.Publisher.URL(),
		Timeout:        hc.publisherTimeout,
		CircuitBreaker: hc.breaker,
	}, publisher.WithToken("backend-token"), publisher.WithLogger(zap.NewNop()))

	h.RulesetCache = lint.NewRedisRulesetCache(rdb, hc.rulesetTTL)
	linter, err := lint.New(
		lint.WithRulesetSource(h.Client),
		lint.WithRulesetCache(h.RulesetCache),
		lint.WithResultCache(64, time.Minute),
	)
	if err != nil {
		t.Fatalf("build linter: %v", err)
	}
	h.Linter = linter

	// Step 3: Policy editing sessions backed by the publisher.
	h.Sessions = policy.NewRegistry(h.Client, policy.WithCatalogSource(h.Client))

	// Step 4: JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
		},
	}
	h.cfg.Observability.Metrics.Enabled = false

	// Step 5: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, zap.NewNop())
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Logger:       zap.NewNop(),
		Linter:       h.Linter,
		Sequencer:    lint.NewSequencer(64, time.Minute),
		Sessions:     h.Sessions,
		Catalogs:     h.Client,
		Readiness: observability.ReadinessChecks{
			RulesetLoaded: func() bool { return h.Linter.Defaults() != nil },
			RulesetCache:  h.RulesetCache,
			Publisher:     h.Client,
		},
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// TokenFor returns a valid token for a user of tenantID.
func (h *TestHarness) TokenFor(tenantID string) string {
	return h.GenerateToken(TestClaims{
		SubjectID: "user-" + tenantID,
		TenantID:  tenantID,
		Email:     "dev@" + tenantID + ".example",
	})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Fixtures ---

// LintResponse mirrors the lint endpoint's body.
type LintResponse struct {
	Result struct {
		APIID    string              `json:"apiId"`
		Findings []model.LintFinding `json:"findings"`
		Summary  model.LintSummary   `json:"summary"`
		Status   string              `json:"status"`
		Sequence uint64              `json:"sequence"`
	} `json:"result"`
	Notifications []struct {
		Level   string `json:"level"`
		Source  string `json:"source"`
		Message string `json:"message"`
	} `json:"notifications"`
	Decorations []struct {
		Kind string `json:"kind"`
		Line int    `json:"line"`
	} `json:"decorations"`
	Stale bool `json:"stale"`
}

// RuleIDs returns the rule IDs of the findings in order.
func (r LintResponse) RuleIDs() []string {
	out := make([]string, len(r.Result.Findings))
	for i, f := range r.Result.Findings {
		out[i] = f.RuleID
	}
	return out
}

// SessionResponse mirrors a policy session view.
type SessionResponse struct {
	SessionID  string               `json:"sessionId"`
	APIID      string               `json:"apiId"`
	Operations []model.APIOperation `json:"operations"`
	UniqueKey  string               `json:"uuid"`
	Changed    int                  `json:"changed"`
}

// Operation returns the operation with target and verb.
func (s SessionResponse) Operation(target, verb string) model.APIOperation {
	for _, op := range s.Operations {
		if op.Target == target && strings.EqualFold(op.Verb, verb) {
			return op
		}
	}
	panic(fmt.Sprintf("operation %s %s not in session", verb, target))
}

// PetStoreAPI returns an API resource with two operations. GET /pets has
// one request policy attached.
func PetStoreAPI(id string) model.APIResource {
	return model.APIResource{
		ID:      id,
		Name:    "PetStore",
		Version: "1.0.0",
		Context: "/pets",
		Operations: []model.APIOperation{
			{
				Target: "/pets",
				Verb:   "GET",
				OperationPolicies: model.OperationPolicies{
					model.FlowRequest: {
						{PolicyID: "log", PolicyName: "log", Parameters: model.Parameters{}},
					},
					model.FlowResponse: {},
				},
			},
			{
				Target: "/pets",
				Verb:   "POST",
				OperationPolicies: model.OperationPolicies{
					model.FlowRequest: {},
				},
			},
		},
	}
}

// CommonPolicies returns the shared policy catalog used by the tests.
func CommonPolicies() []model.PolicySpec {
	return []model.PolicySpec{
		{
			ID:              "add-header",
			Name:            "addHeader",
			DisplayName:     "Add Header",
			Description:     "Adds a header to the message.",
			ApplicableFlows: []model.Flow{model.FlowRequest, model.FlowResponse},
			PolicyAttributes: []model.PolicyAttribute{
				{Name: "headerName", DisplayName: "Header Name", Type: model.AttributeString, Required: true},
				{Name: "ttl", DisplayName: "TTL", Type: model.AttributeInteger, DefaultValue: "30"},
			},
		},
		{
			ID:              "log",
			Name:            "log",
			DisplayName:     "Log",
			Description:     "Logs the message.",
			ApplicableFlows: []model.Flow{model.FlowRequest, model.FlowResponse, model.FlowFault},
		},
	}
}

// Definition documents used by lint tests.
const (
	// CleanDefinition triggers no default rule.
	CleanDefinition = `openapi: 3.0.3
info:
  title: PetStore
  version: 1.0.0
  description: Pet store
  contact: {name: team}
  license: {name: MIT}
servers:
  - url: https://pets.example.com
tags:
  - name: pets
    description: Pets
paths:
  /pets:
    get:
      operationId: listPets
      summary: List pets
      description: List pets
      tags: [pets]
      responses:
        "200": {description: ok}
`

	// UntitledDefinition lacks info.title.
	UntitledDefinition = `openapi: 3.0.3
info:
  version: 1.0.0
paths: {}
`

	// SummaryRuleset requires a summary on every operation.
	SummaryRuleset = `
rules:
  operation-summary-required:
    severity: info
    given: $.paths.*.*
    then: {field: summary, function: truthy}
`
)
