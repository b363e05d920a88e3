package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func healthy() HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return nil })
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		RulesetLoaded: func() bool { return true },
		APIStore:      healthy(),
		RulesetCache:  healthy(),
		Publisher:     healthy(),
	})
	if code != http.StatusOK || resp.Status != "ready" {
		t.Fatalf("code = %d, status = %q", code, resp.Status)
	}
	for _, name := range []string{"ruleset", "api_store", "ruleset_cache", "publisher"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("check %s = %+v, want ok", name, resp.Checks[name])
		}
	}
}

func TestHandleReady_rulesetNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{RulesetLoaded: func() bool { return false }})
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if resp.Checks["ruleset"].Error == "" {
		t.Error("ruleset check should carry an error")
	}
}

func TestHandleReady_nilRulesetCheckFails(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		RulesetLoaded: func() bool { return true },
		RulesetCache: HealthCheckFunc(func(context.Context) error {
			return errors.New("redis: connection refused")
		}),
	})
	if code != http.StatusServiceUnavailable || resp.Status != "not_ready" {
		t.Fatalf("code = %d, status = %q", code, resp.Status)
	}
	if got := resp.Checks["ruleset_cache"].Error; got != "redis: connection refused" {
		t.Errorf("ruleset_cache error = %q", got)
	}
	if _, ok := resp.Checks["api_store"]; ok {
		t.Error("unset optional checks should not be reported")
	}
}
