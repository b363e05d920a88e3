// Package lint runs API definitions through the built-in rule set and a
// tenant's custom rule set and merges the findings.
package lint

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/highwayhash"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/portico/internal/definition"
	"github.com/pitabwire/portico/internal/notify"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/model"
)

//go:embed rulesets/default.yaml
var defaultRulesetYAML []byte

// DefaultRuleset compiles the embedded rule set.
func DefaultRuleset() (*Ruleset, error) {
	return ParseRuleset("default", defaultRulesetYAML)
}

// LoadRuleset compiles a rule set from a file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ruleset: %w", err)
	}
	return ParseRuleset(path, data)
}

// RuleIDParser marks the finding reported for content that cannot be parsed.
const RuleIDParser = "parser"

// Notification sources.
const (
	SourceDefault = "lint.default"
	SourceCustom  = "lint.custom"
)

// Cache names used in metrics.
const (
	cacheResults  = "lint_results"
	cacheRulesets = "lint_rulesets"
)

// RulesetSource fetches a tenant's custom rule set. found is false when the
// tenant has none.
type RulesetSource interface {
	CustomRuleset(ctx context.Context, tenantID string) (data []byte, found bool, err error)
}

// RulesetSourceFunc adapts a function to RulesetSource.
type RulesetSourceFunc func(ctx context.Context, tenantID string) ([]byte, bool, error)

// CustomRuleset calls f.
func (f RulesetSourceFunc) CustomRuleset(ctx context.Context, tenantID string) ([]byte, bool, error) {
	return f(ctx, tenantID)
}

var fingerprintKey = []byte("portico-lint-content-fingerprint")

// Fingerprint hashes content for cache keys.
func Fingerprint(content []byte) uint64 {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		panic(err)
	}
	_, _ = h.Write(content)
	return h.Sum64()
}

// Linter is the linting aggregator. It never returns errors: a phase that
// fails is reported through the notifier and contributes no findings.
type Linter struct {
	engine   Engine
	defaults *Ruleset
	source   RulesetSource
	rulesets RulesetCache
	compiled *lru.Cache[uint64, *Ruleset]
	results  *expirable.LRU[uint64, []model.LintFinding]
	fetches  singleflight.Group
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures a Linter.
type Option func(*Linter)

// WithEngine replaces the built-in evaluator.
func WithEngine(e Engine) Option {
	return func(l *Linter) { l.engine = e }
}

// WithDefaultRuleset replaces the embedded rule set.
func WithDefaultRuleset(rs *Ruleset) Option {
	return func(l *Linter) { l.defaults = rs }
}

// WithRulesetSource enables the custom phase.
func WithRulesetSource(src RulesetSource) Option {
	return func(l *Linter) { l.source = src }
}

// WithRulesetCache caches fetched tenant rule sets.
func WithRulesetCache(c RulesetCache) Option {
	return func(l *Linter) { l.rulesets = c }
}

// WithResultCache caches default-phase findings by content fingerprint.
func WithResultCache(size int, ttl time.Duration) Option {
	return func(l *Linter) {
		if size > 0 {
			l.results = expirable.NewLRU[uint64, []model.LintFinding](size, nil, ttl)
		}
	}
}

// WithNotifier sets the notifier used when the context carries none.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Linter) { l.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Linter) { l.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Linter) { l.metrics = m }
}

// New creates a Linter. Without WithDefaultRuleset the embedded rule set is
// compiled.
func New(opts ...Option) (*Linter, error) {
	compiled, err := lru.New[uint64, *Ruleset](128)
	if err != nil {
		return nil, err
	}
	l := &Linter{
		engine:   Evaluator{},
		compiled: compiled,
		notifier: notify.Discard,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.defaults == nil {
		rs, err := DefaultRuleset()
		if err != nil {
			return nil, fmt.Errorf("default ruleset: %w", err)
		}
		l.defaults = rs
	}
	return l, nil
}

// Defaults returns the default-phase rule set.
func (l *Linter) Defaults() *Ruleset { return l.defaults }

// Lint runs both phases over content and returns the merged findings sorted
// by severity. The tenant is taken from the request context; without one
// only the default phase runs.
func (l *Linter) Lint(ctx context.Context, apiID string, content []byte) model.LintRunResult {
	if len(bytes.TrimSpace(content)) == 0 {
		return model.NewLintRunResult(apiID, nil)
	}

	start := time.Now()
	tenantID := model.TenantFrom(ctx)
	ctx, span := observability.StartLintSpan(ctx, apiID, tenantID)
	defer span.End()
	logger := observability.RequestLogger(ctx, l.logger).With(zap.String("api_id", apiID))

	doc, err := definition.Parse(content)
	if err != nil {
		result := model.NewLintRunResult(apiID, []model.LintFinding{parserFinding(err)})
		l.metrics.RecordLintRun("findings", time.Since(start), severityCounts(result.Summary))
		span.SetAttributes(observability.AttrFindings.Int(1))
		return result
	}

	findings, ok := l.defaultPhase(ctx, logger, doc, content)
	failed := !ok

	if tenantID != "" && l.source != nil {
		custom, ok := l.customPhase(ctx, logger, tenantID, doc)
		failed = failed || !ok
		findings = append(findings, custom...)
	}

	result := model.NewLintRunResult(apiID, findings)
	outcome := "clean"
	switch {
	case failed:
		outcome = "partial"
	case len(result.Findings) > 0:
		outcome = "findings"
	}
	l.metrics.RecordLintRun(outcome, time.Since(start), severityCounts(result.Summary))
	span.SetAttributes(observability.AttrFindings.Int(len(result.Findings)))
	logger.Debug("lint run complete",
		zap.String("outcome", outcome),
		zap.Int("findings", len(result.Findings)),
		zap.Duration("duration", time.Since(start)),
	)
	return result
}

func (l *Linter) defaultPhase(ctx context.Context, logger *zap.Logger, doc *definition.Document, content []byte) ([]model.LintFinding, bool) {
	ctx, span := observability.StartPhaseSpan(ctx, model.PhaseDefault,
		observability.AttrRuleCount.Int(l.defaults.Len()),
	)
	defer span.End()

	var key uint64
	if l.results != nil {
		key = Fingerprint(content)
		if cached, ok := l.results.Get(key); ok {
			l.metrics.RecordCacheHit(cacheResults)
			span.SetAttributes(observability.AttrCacheHit.Bool(true), observability.AttrFindings.Int(len(cached)))
			return append([]model.LintFinding(nil), cached...), true
		}
		l.metrics.RecordCacheMiss(cacheResults)
	}

	findings, err := l.engine.Run(ctx, doc, l.defaults)
	if err != nil {
		observability.RecordSpanError(span, err)
		l.phaseFailed(ctx, logger, model.PhaseDefault, "Linting with the default rule set failed", err)
		return nil, false
	}
	findings = withPhase(findings, model.PhaseDefault)
	if l.results != nil {
		l.results.Add(key, append([]model.LintFinding(nil), findings...))
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false), observability.AttrFindings.Int(len(findings)))
	return findings, true
}

func (l *Linter) customPhase(ctx context.Context, logger *zap.Logger, tenantID string, doc *definition.Document) ([]model.LintFinding, bool) {
	ctx, span := observability.StartPhaseSpan(ctx, model.PhaseCustom,
		observability.AttrTenantID.String(tenantID),
	)
	defer span.End()

	entry, err := l.customRuleset(ctx, logger, tenantID)
	if err != nil {
		observability.RecordSpanError(span, err)
		l.phaseFailed(ctx, logger, model.PhaseCustom, "Could not load the custom rule set", err)
		return nil, false
	}
	if !entry.Present {
		return nil, true
	}

	rs, err := l.compile(tenantID, entry.Data)
	if err != nil {
		observability.RecordSpanError(span, err)
		l.phaseFailed(ctx, logger, model.PhaseCustom, "The custom rule set is invalid", err)
		return nil, false
	}
	if len(rs.Unresolved) > 0 {
		logger.Debug("custom ruleset references unknown functions",
			zap.String("tenant_id", tenantID),
			zap.Strings("functions", rs.Unresolved),
		)
	}
	span.SetAttributes(observability.AttrRuleCount.Int(rs.Len()))

	findings, err := l.engine.Run(ctx, doc, rs)
	if err != nil {
		observability.RecordSpanError(span, err)
		l.phaseFailed(ctx, logger, model.PhaseCustom, "Linting with the custom rule set failed", err)
		return nil, false
	}
	span.SetAttributes(observability.AttrFindings.Int(len(findings)))
	return withPhase(findings, model.PhaseCustom), true
}

// customRuleset reads the tenant's rule set through the cache. Concurrent
// misses for the same tenant share one fetch.
func (l *Linter) customRuleset(ctx context.Context, logger *zap.Logger, tenantID string) (CachedRuleset, error) {
	if entry, ok := l.cachedRuleset(ctx, logger, tenantID); ok {
		l.metrics.RecordCacheHit(cacheRulesets)
		return entry, nil
	}
	l.metrics.RecordCacheMiss(cacheRulesets)

	v, err, _ := l.fetches.Do(tenantID, func() (any, error) {
		if entry, ok := l.cachedRuleset(ctx, logger, tenantID); ok {
			return entry, nil
		}
		data, found, err := l.source.CustomRuleset(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		entry := CachedRuleset{Data: data, Present: found && len(bytes.TrimSpace(data)) > 0}
		if l.rulesets != nil {
			if err := l.rulesets.Set(ctx, tenantID, entry); err != nil {
				logger.Warn("caching custom ruleset failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
		return entry, nil
	})
	if err != nil {
		return CachedRuleset{}, err
	}
	entry, ok := v.(CachedRuleset)
	if !ok {
		return CachedRuleset{}, errors.New("unexpected ruleset fetch result")
	}
	return entry, nil
}

// cachedRuleset treats cache errors as misses.
func (l *Linter) cachedRuleset(ctx context.Context, logger *zap.Logger, tenantID string) (CachedRuleset, bool) {
	if l.rulesets == nil {
		return CachedRuleset{}, false
	}
	entry, ok, err := l.rulesets.Get(ctx, tenantID)
	if err != nil {
		logger.Warn("reading cached custom ruleset failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return CachedRuleset{}, false
	}
	return entry, ok
}

// InvalidateRuleset drops a tenant's cached rule set.
func (l *Linter) InvalidateRuleset(ctx context.Context, tenantID string) error {
	if l.rulesets == nil {
		return nil
	}
	return l.rulesets.Invalidate(ctx, tenantID)
}

func (l *Linter) compile(tenantID string, data []byte) (*Ruleset, error) {
	key := Fingerprint(data)
	if rs, ok := l.compiled.Get(key); ok {
		return rs, nil
	}
	rs, err := ParseRuleset(tenantID, data)
	if err != nil {
		return nil, err
	}
	l.compiled.Add(key, rs)
	return rs, nil
}

func (l *Linter) phaseFailed(ctx context.Context, logger *zap.Logger, phase, msg string, err error) {
	source := SourceDefault
	if phase == model.PhaseCustom {
		source = SourceCustom
	}
	logger.Warn("lint phase failed", zap.String("phase", phase), zap.Error(err))
	l.metrics.RecordLintPhaseFailure(phase)
	notify.From(ctx, l.notifier).Notify(ctx, notify.Notification{
		Level:   notify.LevelError,
		Source:  source,
		Message: msg + ": " + err.Error(),
	})
}

func parserFinding(err error) model.LintFinding {
	f := model.LintFinding{
		Severity: model.SeverityError,
		Message:  err.Error(),
		RuleID:   RuleIDParser,
	}
	var ferr *definition.FormatError
	if errors.As(err, &ferr) {
		f.Message = ferr.Message
		if ferr.Line > 0 {
			f.Line = ferr.Line - 1
		}
	}
	return f
}

func withPhase(findings []model.LintFinding, phase string) []model.LintFinding {
	for i := range findings {
		findings[i].Phase = phase
	}
	return findings
}

func severityCounts(s model.LintSummary) map[string]int {
	return map[string]int{
		model.SeverityError.String():       s.ErrorCount,
		model.SeverityWarning.String():     s.WarningCount,
		model.SeverityInformation.String(): s.InfoCount,
		model.SeverityHint.String():        s.HintCount,
	}
}
