package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "portico" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Publisher.Timeout != 5*time.Second {
		t.Errorf("Publisher.Timeout = %v, want 5s", cfg.Publisher.Timeout)
	}
	if cfg.Publisher.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Publisher.CircuitBreaker.FailureThreshold)
	}
	if cfg.Publisher.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Publisher.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Lint.RulesetCache.Driver != "redis" {
		t.Errorf("Lint.RulesetCache.Driver = %q, want redis", cfg.Lint.RulesetCache.Driver)
	}
	if cfg.Lint.RulesetCache.TTL != 2*time.Minute {
		t.Errorf("Lint.RulesetCache.TTL = %v, want 2m", cfg.Lint.RulesetCache.TTL)
	}
	if cfg.Sessions.IdleTimeout != 45*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want 45m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_unknown_store_driver(t *testing.T) {
	_, err := Load("testdata/bad_store.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
	if !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("error = %v, want mention of store.driver", err)
	}
}

func TestLoad_publisher_store_requires_base_url(t *testing.T) {
	_, err := Load("testdata/missing_publisher.yaml")
	if err == nil {
		t.Fatal("Load() without publisher.base_url should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Lint.RulesetCache.Driver != "memory" {
		t.Errorf("default ruleset cache driver = %q, want memory", cfg.Lint.RulesetCache.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORTICO_SERVER_PORT", "3000")
	t.Setenv("PORTICO_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("PORTICO_PUBLISHER_BASE_URL", "https://env-publisher")
	t.Setenv("PORTICO_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Publisher.BaseURL != "https://env-publisher" {
		t.Errorf("Publisher.BaseURL = %q, want env override", cfg.Publisher.BaseURL)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_collects_all_errors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Identity.JWKSURL = "https://auth.example.com/jwks"
	cfg.Lint.RulesetCache.Driver = "memcached"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should return error")
	}
	for _, want := range []string{"server.port", "identity.issuer", "identity.audience", "publisher.base_url", "ruleset_cache"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_memory_store_without_auth(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "memory"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}
