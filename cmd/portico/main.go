// Package main is the entry point for the Portico server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/config"
	"github.com/pitabwire/portico/internal/lint"
	"github.com/pitabwire/portico/internal/notify"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/internal/policy"
	"github.com/pitabwire/portico/internal/publisher"
	"github.com/pitabwire/portico/internal/store"
	"github.com/pitabwire/portico/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "portico", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Publisher backend client. Optional when the API store is local.
	var pub *publisher.Client
	if cfg.Publisher.BaseURL != "" {
		pub = publisher.New(cfg.Publisher,
			publisher.WithToken(os.Getenv(cfg.Publisher.TokenEnv)),
			publisher.WithLogger(logger),
			publisher.WithMetrics(metrics),
		)
	}

	rulesetCache, rulesetCacheCloser, err := buildRulesetCache(cfg.Lint.RulesetCache, logger)
	if err != nil {
		logger.Error("ruleset cache initialization failed", zap.Error(err))
		return 1
	}

	linter, err := buildLinter(cfg.Lint, pub, rulesetCache, logger, metrics)
	if err != nil {
		logger.Error("linter initialization failed", zap.Error(err))
		return 1
	}

	apiRepo, apiRepoHealth, apiRepoCloser, err := buildAPIRepository(ctx, cfg.Store, pub, logger)
	if err != nil {
		logger.Error("API store initialization failed", zap.Error(err))
		return 1
	}

	regOpts := []policy.RegistryOption{
		policy.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		policy.WithMaxSessions(cfg.Sessions.MaxSessions),
		policy.WithRegistryMetrics(metrics),
		policy.WithRegistryLogger(logger),
	}
	var catalogs policy.CatalogSource
	if pub != nil {
		catalogs = pub
		regOpts = append(regOpts, policy.WithCatalogSource(pub))
	}
	sessions := policy.NewRegistry(apiRepo, regOpts...)

	readiness := observability.ReadinessChecks{
		RulesetLoaded: func() bool { return linter.Defaults() != nil && linter.Defaults().Len() > 0 },
		APIStore:      apiRepoHealth,
		RulesetCache:  rulesetCache,
	}
	if pub != nil {
		readiness.Publisher = pub
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.JWKSURL != "" {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	} else {
		logger.Warn("identity.jwks_url not set, authentication disabled")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: authenticate,
		Logger:       logger,
		Metrics:      metrics,
		Linter:       linter,
		Sequencer:    lint.NewSequencer(cfg.Lint.ResultCache.MaxEntries, cfg.Lint.ResultCache.TTL),
		Sessions:     sessions,
		Catalogs:     catalogs,
		Readiness:    readiness,
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweep := cfg.Sessions.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	go sessions.Run(bgCtx, sweep)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("default_rules", linter.Defaults().Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if apiRepoCloser != nil {
		apiRepoCloser()
	}
	if rulesetCacheCloser != nil {
		rulesetCacheCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// rulesetCache is the cache the linter uses for tenant rule sets.
type rulesetCache interface {
	lint.RulesetCache
	observability.HealthChecker
}

// buildRulesetCache creates the tenant rule set cache based on config.
func buildRulesetCache(cfg config.RulesetCacheConfig, logger *zap.Logger) (rulesetCache, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return lint.NewMemoryRulesetCache(cfg.Size, cfg.TTL), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("ruleset cache: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis ruleset cache", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return lint.NewRedisRulesetCache(client, cfg.TTL), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ruleset cache driver: %q", cfg.Driver)
	}
}

// buildLinter compiles the default rule set and binds the tenant rule set
// source when a publisher backend is configured.
func buildLinter(cfg config.LintConfig, pub *publisher.Client, cache lint.RulesetCache, logger *zap.Logger, metrics *observability.Metrics) (*lint.Linter, error) {
	opts := []lint.Option{
		lint.WithRulesetCache(cache),
		lint.WithResultCache(cfg.ResultCache.MaxEntries, cfg.ResultCache.TTL),
		lint.WithNotifier(notify.NewLogNotifier(logger)),
		lint.WithLogger(logger),
		lint.WithMetrics(metrics),
	}
	if cfg.RulesetFile != "" {
		rs, err := lint.LoadRuleset(cfg.RulesetFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lint.WithDefaultRuleset(rs))
	}
	if pub != nil {
		opts = append(opts, lint.WithRulesetSource(pub))
	}
	return lint.New(opts...)
}

// buildAPIRepository creates the store that sessions load from and save to.
func buildAPIRepository(ctx context.Context, cfg config.StoreConfig, pub *publisher.Client, logger *zap.Logger) (policy.Repository, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "publisher", "":
		if pub == nil {
			return nil, nil, nil, errors.New("publisher store: publisher.base_url not configured")
		}
		return pub, pub, nil, nil
	case "memory":
		logger.Info("using in-memory API store")
		repo := store.NewMemoryAPIRepository()
		return repo, repo, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("API store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("API store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("API store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("API store: ping: %w", err)
		}

		repo := store.NewPgAPIRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("API store: %w", err)
		}
		return repo, repo, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported API store driver: %q", cfg.Driver)
	}
}
