package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/model"
)

// Repository loads and persists API resources.
type Repository interface {
	GetAPI(ctx context.Context, apiID string) (model.APIResource, error)
	UpdateOperations(ctx context.Context, apiID string, ops []model.APIOperation) error
}

// Session is one editing session: a loaded Store owned by a tenant.
type Session struct {
	ID       string
	TenantID string
	APIID    string
	Store    *Store
	Opened   time.Time

	lastUsed time.Time
}

// Registry holds the open editing sessions. Sessions idle for longer than
// the idle timeout are dropped by Sweep.
type Registry struct {
	repo        Repository
	catalogs    CatalogSource
	idleTimeout time.Duration
	maxSessions int
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*Session
	// opening counts Open calls holding a slot while they load the API.
	opening int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCatalogSource binds a catalog to every new session's store.
func WithCatalogSource(src CatalogSource) RegistryOption {
	return func(r *Registry) {
		r.catalogs = src
	}
}

// WithIdleTimeout sets how long an unused session is kept.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithMaxSessions caps the number of open sessions. Zero means no cap.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithRegistryMetrics records session counts, mutations and saves on m.
func WithRegistryMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRegistryLogger sets the fallback logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry that loads APIs from repo.
func NewRegistry(repo Repository, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:        repo,
		idleTimeout: 30 * time.Minute,
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open loads the API and its policy catalog and starts a session for the
// tenant in ctx.
func (r *Registry) Open(ctx context.Context, apiID string) (*Session, error) {
	if !r.reserve() {
		return nil, model.NewRateLimitedError()
	}
	inserted := false
	defer func() {
		if !inserted {
			r.release()
		}
	}()

	api, err := r.repo.GetAPI(ctx, apiID)
	if err != nil {
		return nil, err
	}

	opts := []StoreOption{WithStoreMetrics(r.metrics)}
	if r.catalogs != nil {
		catalog, err := LoadCatalog(ctx, r.catalogs, apiID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCatalog(catalog))
	}
	store := NewStore(opts...)
	store.Load(api)

	now := r.now()
	s := &Session{
		ID:       r.newID(),
		TenantID: model.TenantFrom(ctx),
		APIID:    apiID,
		Store:    store,
		Opened:   now,
		lastUsed: now,
	}

	r.mu.Lock()
	r.opening--
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	inserted = true
	r.metrics.SetActiveSessions(n)

	observability.RequestLogger(ctx, r.logger).Info("policy session opened",
		zap.String("session_id", s.ID),
		zap.String("api_id", apiID),
		zap.Int("operations", len(api.Operations)),
	)
	return s, nil
}

// reserve takes a slot for a session being opened. Open sessions and
// reserved slots together never exceed maxSessions.
func (r *Registry) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions)+r.opening >= r.maxSessions {
		return false
	}
	r.opening++
	return true
}

func (r *Registry) release() {
	r.mu.Lock()
	r.opening--
	r.mu.Unlock()
}

// Get returns the session with id. A session owned by another tenant is
// reported as not found.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.TenantID != model.TenantFrom(ctx) {
		return nil, model.NewSessionNotFoundError(id)
	}
	if r.expired(s, r.now()) {
		delete(r.sessions, id)
		r.metrics.SetActiveSessions(len(r.sessions))
		return nil, model.NewSessionNotFoundError(id)
	}
	s.lastUsed = r.now()
	return s, nil
}

// Save persists the session's operations with unique keys stripped.
func (r *Registry) Save(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	ctx, span := observability.StartSessionSpan(ctx, "Save", id, s.APIID)
	defer span.End()

	ops := s.Store.ToPersistableForm()
	if err := r.repo.UpdateOperations(ctx, s.APIID, ops); err != nil {
		observability.RecordSpanError(span, err)
		r.metrics.RecordPolicySave("error")
		observability.RequestLogger(ctx, r.logger).Warn("policy session save failed",
			zap.String("session_id", id),
			zap.String("api_id", s.APIID),
			zap.Error(err),
		)
		return err
	}
	r.metrics.RecordPolicySave("ok")
	return nil
}

// Close ends the session. Closing an unknown session is not an error.
func (r *Registry) Close(ctx context.Context, id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.TenantID == model.TenantFrom(ctx) {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetActiveSessions(n)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions idle at now and returns how many were dropped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	dropped := 0
	for id, s := range r.sessions {
		if r.expired(s, now) {
			delete(r.sessions, id)
			dropped++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetActiveSessions(n)
	return dropped
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("expired idle policy sessions", zap.Int("count", n))
			}
		}
	}
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	return r.idleTimeout > 0 && now.Sub(s.lastUsed) > r.idleTimeout
}
