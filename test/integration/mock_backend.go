package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/portico/model"
)

// Publisher operations served by MockPublisher.
const (
	OpGetRuleset     = "get_lint_ruleset"
	OpCommonPolicies = "list_common_policies"
	OpAPIPolicies    = "list_api_policies"
	OpGetAPI         = "get_api"
	OpUpdateAPI      = "update_api"
)

// MockPublisher is a stateful stand-in for the publisher backend. It serves
// APIs, tenant rule sets and policy catalogs from memory, records every
// request, and can be told to fail selected operations.
type MockPublisher struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.RWMutex
	apis      map[string]model.APIResource
	rulesets  map[string]string
	common    []model.PolicySpec
	apiScoped map[string][]model.PolicySpec
	overrides map[string][]*mockResponse
	received  map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	RawBody    []byte
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for queuing one-shot responses for an operation.
type OperationMock struct {
	backend *MockPublisher
	op      string
}

func newMockPublisher(t *testing.T) *MockPublisher {
	t.Helper()

	mp := &MockPublisher{
		t:         t,
		apis:      make(map[string]model.APIResource),
		rulesets:  make(map[string]string),
		apiScoped: make(map[string][]model.PolicySpec),
		overrides: make(map[string][]*mockResponse),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /linter-custom-rules", mp.handle(OpGetRuleset, mp.serveRuleset))
	mux.HandleFunc("GET /operation-policies", mp.handle(OpCommonPolicies, mp.serveCommonPolicies))
	mux.HandleFunc("GET /apis/{apiId}/operation-policies", mp.handle(OpAPIPolicies, mp.serveAPIPolicies))
	mux.HandleFunc("GET /apis/{apiId}", mp.handle(OpGetAPI, mp.serveGetAPI))
	mux.HandleFunc("PUT /apis/{apiId}", mp.handle(OpUpdateAPI, mp.serveUpdateAPI))

	mp.server = httptest.NewServer(mux)
	t.Cleanup(mp.server.Close)
	return mp
}

// URL returns the base URL of the mock server.
func (mp *MockPublisher) URL() string { return mp.server.URL }

// PutAPI stores an API resource.
func (mp *MockPublisher) PutAPI(api model.APIResource) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.apis[api.ID] = api
}

// API returns the stored API resource.
func (mp *MockPublisher) API(id string) (model.APIResource, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	api, ok := mp.apis[id]
	return api, ok
}

// SetRuleset stores a tenant's custom rule set. An empty string removes it.
func (mp *MockPublisher) SetRuleset(tenantID, ruleset string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if ruleset == "" {
		delete(mp.rulesets, tenantID)
		return
	}
	mp.rulesets[tenantID] = ruleset
}

// SetCommonPolicies replaces the shared policy catalog.
func (mp *MockPublisher) SetCommonPolicies(specs ...model.PolicySpec) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.common = specs
}

// SetAPIPolicies replaces the policies specific to apiID.
func (mp *MockPublisher) SetAPIPolicies(apiID string, specs ...model.PolicySpec) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.apiScoped[apiID] = specs
}

// Requests returns the requests received for op.
func (mp *MockPublisher) Requests(op string) []*RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]*RecordedRequest, len(mp.received[op]))
	copy(out, mp.received[op])
	return out
}

// RequestCount returns the number of requests received for op.
func (mp *MockPublisher) RequestCount(op string) int {
	return len(mp.Requests(op))
}

// OnOperation returns a builder for queuing responses for op. Queued
// responses are served once each, in order, before the normal behavior
// resumes.
func (mp *MockPublisher) OnOperation(op string) *OperationMock {
	return &OperationMock{backend: mp, op: op}
}

// RespondWith queues a response with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.enqueue(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError queues a publisher error body.
func (om *OperationMock) RespondWithError(status int, description string) *OperationMock {
	om.backend.enqueue(om.op, &mockResponse{
		status: status,
		body:   map[string]any{"code": status, "message": http.StatusText(status), "description": description},
	})
	return om
}

// RespondWithDelay queues a delayed response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.enqueue(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a dropped connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.enqueue(om.op, &mockResponse{connError: true})
	return om
}

// Times repeats the last queued response until n are queued in total.
func (om *OperationMock) Times(n int) *OperationMock {
	om.backend.mu.Lock()
	defer om.backend.mu.Unlock()
	queue := om.backend.overrides[om.op]
	if len(queue) == 0 {
		return om
	}
	last := queue[len(queue)-1]
	for len(queue) < n {
		queue = append(queue, last)
	}
	om.backend.overrides[om.op] = queue
	return om
}

func (mp *MockPublisher) enqueue(op string, resp *mockResponse) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.overrides[op] = append(mp.overrides[op], resp)
}

func (mp *MockPublisher) next(op string) *mockResponse {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	queue := mp.overrides[op]
	if len(queue) == 0 {
		return nil
	}
	mp.overrides[op] = queue[1:]
	return queue[0]
}

func (mp *MockPublisher) handle(op string, serve func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mp.mu.Lock()
		mp.received[op] = append(mp.received[op], &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			RawBody:    body,
			ReceivedAt: time.Now(),
		})
		mp.mu.Unlock()

		if resp := mp.next(op); resp != nil {
			mp.writeOverride(w, resp)
			return
		}
		serve(w, r, body)
	}
}

func (mp *MockPublisher) writeOverride(w http.ResponseWriter, resp *mockResponse) {
	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	if resp.connError {
		hj, ok := w.(http.Hijacker)
		if !ok {
			mp.t.Error("mock publisher: response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	writeJSON(w, resp.status, resp.body)
}

func (mp *MockPublisher) serveRuleset(w http.ResponseWriter, r *http.Request, _ []byte) {
	mp.mu.RLock()
	data, ok := mp.rulesets[r.Header.Get("X-Tenant-ID")]
	mp.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	_, _ = io.WriteString(w, data)
}

func (mp *MockPublisher) serveCommonPolicies(w http.ResponseWriter, _ *http.Request, _ []byte) {
	mp.mu.RLock()
	specs := mp.common
	mp.mu.RUnlock()
	writeJSON(w, http.StatusOK, model.PolicyList{Count: len(specs), List: specs})
}

func (mp *MockPublisher) serveAPIPolicies(w http.ResponseWriter, r *http.Request, _ []byte) {
	mp.mu.RLock()
	specs := mp.apiScoped[r.PathValue("apiId")]
	mp.mu.RUnlock()
	writeJSON(w, http.StatusOK, model.PolicyList{Count: len(specs), List: specs})
}

func (mp *MockPublisher) serveGetAPI(w http.ResponseWriter, r *http.Request, _ []byte) {
	api, ok := mp.API(r.PathValue("apiId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "description": "API not found"})
		return
	}
	writeJSON(w, http.StatusOK, api)
}

func (mp *MockPublisher) serveUpdateAPI(w http.ResponseWriter, r *http.Request, body []byte) {
	id := r.PathValue("apiId")
	api, ok := mp.API(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "description": "API not found"})
		return
	}
	var update struct {
		Operations []model.APIOperation `json:"operations"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "description": err.Error()})
		return
	}
	api.Operations = update.Operations
	mp.PutAPI(api)
	writeJSON(w, http.StatusOK, api)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
