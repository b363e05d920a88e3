package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/portico/model"
)

type memKey struct {
	tenant string
	apiID  string
}

// MemoryAPIRepository is an in-memory APIRepository for tests and local
// runs.
type MemoryAPIRepository struct {
	mu   sync.RWMutex
	apis map[memKey]model.APIResource
}

// NewMemoryAPIRepository creates an empty repository.
func NewMemoryAPIRepository() *MemoryAPIRepository {
	return &MemoryAPIRepository{apis: make(map[memKey]model.APIResource)}
}

// Put stores a copy of api for the tenant, replacing any previous version.
func (s *MemoryAPIRepository) Put(tenantID string, api model.APIResource) {
	api.Operations = model.CloneOperations(api.Operations)
	s.mu.Lock()
	s.apis[memKey{tenantID, api.ID}] = api
	s.mu.Unlock()
}

// GetAPI returns a copy of the stored resource.
func (s *MemoryAPIRepository) GetAPI(ctx context.Context, apiID string) (model.APIResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	api, ok := s.apis[memKey{model.TenantFrom(ctx), apiID}]
	if !ok {
		return model.APIResource{}, notFound(apiID)
	}
	api.Operations = model.CloneOperations(api.Operations)
	return api, nil
}

// UpdateOperations replaces the operations of a stored resource.
func (s *MemoryAPIRepository) UpdateOperations(ctx context.Context, apiID string, ops []model.APIOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{model.TenantFrom(ctx), apiID}
	api, ok := s.apis[key]
	if !ok {
		return notFound(apiID)
	}
	api.Operations = model.CloneOperations(ops)
	s.apis[key] = api
	return nil
}

// List returns the ids of the tenant's APIs in ascending order.
func (s *MemoryAPIRepository) List(tenantID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for k := range s.apis {
		if k.tenant == tenantID {
			ids = append(ids, k.apiID)
		}
	}
	sort.Strings(ids)
	return ids
}

// HealthCheck always succeeds.
func (s *MemoryAPIRepository) HealthCheck(context.Context) error { return nil }
