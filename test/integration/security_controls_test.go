package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// protectedEndpoints are reachable only with a valid token.
var protectedEndpoints = []struct {
	method string
	path   string
}{
	{http.MethodPost, "/v1/apis/pets/lint"},
	{http.MethodGet, "/v1/apis/pets/lint"},
	{http.MethodGet, "/v1/apis/pets/policies"},
	{http.MethodPost, "/v1/apis/pets/policy-sessions"},
	{http.MethodGet, "/v1/policy-sessions/abc"},
	{http.MethodPost, "/v1/definitions/normalize"},
}

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	for _, ep := range protectedEndpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := h.doRequest(ep.method, ep.path, nil, "", nil)
			h.AssertStatus(t, resp, http.StatusUnauthorized)
		})
	}
	if got := h.Publisher.RequestCount(OpGetAPI) + h.Publisher.RequestCount(OpGetRuleset); got != 0 {
		t.Errorf("unauthenticated requests reached the backend %d times", got)
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(TestClaims{SubjectID: "u1", TenantID: "acme"})

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", token), http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Sign with a key that is not in the JWKS.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claims := jwt.MapClaims{
		"iss":       h.issuer.Issuer(),
		"aud":       h.issuer.Audience(),
		"sub":       "user-1",
		"tenant_id": "acme",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", signed), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","tenant_id":"acme","iss":"` +
		h.issuer.Issuer() + `","aud":"` + h.issuer.Audience() + `"}`))
	noneToken := header + "." + payload + "."

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", noneToken), http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{
		SubjectID: "u1",
		TenantID:  "acme",
		Extra:     map[string]any{"aud": "someone-else"},
	})

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", token), http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertStatus(t, h.GET("/v1/apis/pets/policies", h.TokenFor("acme")), http.StatusOK)
}

// ==========================================================================
// Cross-Tenant Isolation Tests
// ==========================================================================

func TestSecurity_TenantIDFromJWT_NotRequestHeader(t *testing.T) {
	h := NewTestHarness(t)
	h.Publisher.SetRuleset("evil-corp", SummaryRuleset)

	resp := h.POSTWithHeaders("/v1/apis/pets/lint", map[string]string{"content": CleanDefinition}, h.TokenFor("acme"),
		map[string]string{"X-Tenant-ID": "evil-corp"})
	h.AssertStatus(t, resp, http.StatusOK)

	reqs := h.Publisher.Requests(OpGetRuleset)
	if len(reqs) != 1 {
		t.Fatalf("ruleset requests = %d, want 1", len(reqs))
	}
	if got := reqs[0].Headers.Get("X-Tenant-ID"); got != "acme" {
		t.Errorf("backend X-Tenant-ID = %q, want acme (from JWT, not request header)", got)
	}
}

func TestSecurity_HeaderInjectionPrevented(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{
		SubjectID: "user-1",
		TenantID:  "acme\r\nX-Injected: evil-header",
	})

	h.AssertStatus(t, h.POST("/v1/apis/pets/lint", map[string]string{"content": CleanDefinition}, token), http.StatusOK)

	for _, req := range h.Publisher.Requests(OpGetRuleset) {
		if req.Headers.Get("X-Injected") != "" {
			t.Error("header injection succeeded: X-Injected header was set")
		}
		if strings.ContainsAny(req.Headers.Get("X-Tenant-ID"), "\r\n") {
			t.Errorf("tenant header carries CRLF: %q", req.Headers.Get("X-Tenant-ID"))
		}
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_BackendErrorReturnsGenericMessage(t *testing.T) {
	h := NewTestHarness(t)
	h.Publisher.OnOperation(OpGetAPI).RespondWithConnectionError()

	resp := h.POST("/v1/apis/pets/policy-sessions", nil, h.TokenFor("acme"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, pattern := range []string{"goroutine", ".go:", "panic", "runtime.", "127.0.0.1", "EOF", "/apis/"} {
		if strings.Contains(string(body), pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, body)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/apis/pets/policies", h.TokenFor("acme"))
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for name, expected := range expectedHeaders {
		if actual := resp.Header.Get(name); actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/apis/pets/policies", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	for _, name := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Referrer-Policy"} {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_HeadersOnPublicEndpoint(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header missing on public endpoint")
	}
	if resp.Header.Get("X-Content-Type-Options") == "" {
		t.Error("X-Content-Type-Options missing on public endpoint")
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.TokenFor("acme")

	resp1 := h.GET("/v1/apis/pets/policies", token)
	h.AssertStatus(t, resp1, http.StatusOK)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/v1/apis/pets/policies", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	h.AssertStatus(t, resp2, http.StatusOK)
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/health", "", map[string]string{"Origin": "http://localhost:3000"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/health", "", map[string]string{"Origin": "https://evil.example.com"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
