package policy

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/model"
)

// Mutation names recorded in metrics.
const (
	MutationAttach   = "attach"
	MutationDetach   = "detach"
	MutationReorder  = "reorder"
	MutationApplyAll = "apply_all"
)

// Store holds the policy lists of one API's operations while they are being
// edited. A Store starts unloaded; every mutation before Load panics.
type Store struct {
	mu      sync.Mutex
	loaded  bool
	apiID   string
	ops     []model.APIOperation
	index   map[model.OperationKey]int
	catalog *Catalog
	newKey  func() string
	issued  map[string]struct{}
	metrics *observability.Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCatalog validates attached policies against c.
func WithCatalog(c *Catalog) StoreOption {
	return func(s *Store) {
		s.catalog = c
	}
}

// WithKeyGenerator replaces the UUID generator used for unique keys.
func WithKeyGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		s.newKey = fn
	}
}

// WithStoreMetrics records mutations on m.
func WithStoreMetrics(m *observability.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates an unloaded Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		newKey: uuid.NewString,
		issued: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the store contents with a deep copy of the resource's
// operations and gives every attached policy a fresh unique key.
func (s *Store) Load(api model.APIResource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apiID = api.ID
	s.ops = model.CloneOperations(api.Operations)
	s.index = make(map[model.OperationKey]int, len(s.ops))
	for i := range s.ops {
		op := &s.ops[i]
		s.index[op.Key()] = i
		for flow, list := range op.OperationPolicies {
			for j := range list {
				list[j].UniqueKey = s.freshKey()
			}
			op.OperationPolicies[flow] = list
		}
	}
	s.loaded = true
}

// Loaded reports whether Load has been called.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// APIID returns the id of the loaded API.
func (s *Store) APIID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiID
}

// Catalog returns the bound catalog, or nil.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// Attach adds p to the flow of the operation. When the list already holds
// an entry with the same policy id and unique key, only its parameters are
// replaced. Otherwise p is appended under a fresh unique key. The flow list
// is created when the operation does not have it yet. Attach returns the
// unique key of the affected entry.
func (s *Store) Attach(p model.AttachedPolicy, target, verb string, flow model.Flow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	p, err := s.checkPolicy(p, flow)
	if err != nil {
		return "", err
	}
	op, err := s.operation(target, verb)
	if err != nil {
		return "", err
	}
	if op.OperationPolicies == nil {
		op.OperationPolicies = make(model.OperationPolicies)
	}

	key := s.upsert(op, flow, p)
	s.metrics.RecordPolicyMutation(MutationAttach)
	return key, nil
}

// Detach removes the entry with uniqueKey from the flow of the operation.
// Nothing happens when no such entry exists.
func (s *Store) Detach(uniqueKey, target, verb string, flow model.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	op, err := s.operation(target, verb)
	if err != nil {
		return
	}
	list, ok := op.OperationPolicies[flow]
	if !ok {
		return
	}
	for i, entry := range list {
		if entry.UniqueKey == uniqueKey {
			op.OperationPolicies[flow] = append(list[:i:i], list[i+1:]...)
			s.metrics.RecordPolicyMutation(MutationDetach)
			return
		}
	}
}

// Reorder moves the entry at index from to index to within the flow of the
// operation. Out-of-range or equal indices leave the list unchanged.
func (s *Store) Reorder(target, verb string, flow model.Flow, from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	op, err := s.operation(target, verb)
	if err != nil {
		return
	}
	list := op.OperationPolicies[flow]
	if from == to || from < 0 || to < 0 || from >= len(list) || to >= len(list) {
		return
	}
	op.OperationPolicies[flow] = move(list, from, to)
	s.metrics.RecordPolicyMutation(MutationReorder)
}

// ApplyToAll attaches p to the flow of every operation that defines it.
// Operations where the list holds the same policy id and unique key get
// their parameters replaced; the others get a copy under a fresh key.
// ApplyToAll returns the number of operations changed.
func (s *Store) ApplyToAll(p model.AttachedPolicy, flow model.Flow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	p, err := s.checkPolicy(p, flow)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range s.ops {
		op := &s.ops[i]
		if _, ok := op.OperationPolicies[flow]; !ok {
			continue
		}
		s.upsert(op, flow, p)
		changed++
	}
	if changed > 0 {
		s.metrics.RecordPolicyMutation(MutationApplyAll)
	}
	return changed, nil
}

// Policies returns a copy of the flow list of the operation.
func (s *Store) Policies(target, verb string, flow model.Flow) ([]model.AttachedPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	op, err := s.operation(target, verb)
	if err != nil {
		return nil, err
	}
	list := op.OperationPolicies[flow]
	out := make([]model.AttachedPolicy, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out, nil
}

// Snapshot returns a deep copy of the operations including unique keys.
func (s *Store) Snapshot() []model.APIOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()
	return model.CloneOperations(s.ops)
}

// Operations returns the keys of the loaded operations in resource order.
func (s *Store) Operations() []model.OperationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()
	keys := make([]model.OperationKey, len(s.ops))
	for i, op := range s.ops {
		keys[i] = op.Key()
	}
	return keys
}

// ToPersistableForm returns a deep copy of the operations with every unique
// key removed, ready to be sent to the backend.
func (s *Store) ToPersistableForm() []model.APIOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()

	out := model.CloneOperations(s.ops)
	for i := range out {
		for _, list := range out[i].OperationPolicies {
			for j := range list {
				list[j].UniqueKey = ""
			}
		}
	}
	return out
}

// Operation returns a handle on one operation of the store.
func (s *Store) Operation(target, verb string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeLoaded()
	if _, err := s.operation(target, verb); err != nil {
		return nil, err
	}
	return &Operation{store: s, key: model.NewOperationKey(target, verb)}, nil
}

// Operation is a handle on one operation of a Store.
type Operation struct {
	store *Store
	key   model.OperationKey
}

// Key returns the operation key.
func (o *Operation) Key() model.OperationKey { return o.key }

// Reorder moves an entry within the flow list of this operation.
func (o *Operation) Reorder(flow model.Flow, from, to int) {
	o.store.Reorder(o.key.Target, o.key.Verb, flow, from, to)
}

// Policies returns a copy of the flow list of this operation.
func (o *Operation) Policies(flow model.Flow) ([]model.AttachedPolicy, error) {
	return o.store.Policies(o.key.Target, o.key.Verb, flow)
}

func (s *Store) mustBeLoaded() {
	if !s.loaded {
		panic("policy: store used before Load")
	}
}

func (s *Store) operation(target, verb string) (*model.APIOperation, error) {
	key := model.NewOperationKey(target, verb)
	i, ok := s.index[key]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("operation %s not found", key))
	}
	return &s.ops[i], nil
}

// checkPolicy validates p against the catalog, when one is bound, and fills
// in the catalog name and version.
func (s *Store) checkPolicy(p model.AttachedPolicy, flow model.Flow) (model.AttachedPolicy, error) {
	if p.PolicyID == "" {
		return p, model.NewBadRequestError("policyId is required")
	}
	if s.catalog == nil {
		return p, nil
	}
	spec, ok := s.catalog.Get(p.PolicyID)
	if !ok {
		return p, model.NewPolicyNotFoundError(p.PolicyID)
	}
	if !spec.AppliesTo(flow) {
		return p, model.NewBadRequestError(fmt.Sprintf("policy %s cannot be attached to the %s flow", spec.DisplayName, flow))
	}
	if errs := ValidateParameters(spec, p.Parameters); len(errs) > 0 {
		return p, model.NewInvalidParametersError(errs)
	}
	if p.PolicyName == "" {
		p.PolicyName = spec.DisplayName
	}
	if p.Version == "" {
		p.Version = spec.Version
	}
	return p, nil
}

// upsert replaces the parameters of a matching entry or appends p under a
// fresh key, and returns the key of the affected entry.
func (s *Store) upsert(op *model.APIOperation, flow model.Flow, p model.AttachedPolicy) string {
	list := op.OperationPolicies[flow]
	if p.UniqueKey != "" {
		for i := range list {
			if list[i].PolicyID == p.PolicyID && list[i].UniqueKey == p.UniqueKey {
				list[i].Parameters = p.Parameters.Clone()
				return p.UniqueKey
			}
		}
	}
	entry := p.Clone()
	entry.UniqueKey = s.freshKey()
	op.OperationPolicies[flow] = append(list, entry)
	return entry.UniqueKey
}

// freshKey returns a key never issued by this store before.
func (s *Store) freshKey() string {
	for {
		k := s.newKey()
		if _, used := s.issued[k]; !used {
			s.issued[k] = struct{}{}
			return k
		}
	}
}

func move(list []model.AttachedPolicy, from, to int) []model.AttachedPolicy {
	out := make([]model.AttachedPolicy, 0, len(list))
	moved := list[from]
	for i, p := range list {
		if i != from {
			out = append(out, p)
		}
	}
	out = append(out[:to], append([]model.AttachedPolicy{moved}, out[to:]...)...)
	return out
}
