package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/portico/model"
)

func tenantCtx(tenant string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u1", TenantID: tenant})
}

func sampleAPI() model.APIResource {
	return model.APIResource{
		ID:      "api-1",
		Name:    "Pets",
		Version: "1.0.0",
		Operations: []model.APIOperation{{
			Target: "/pets",
			Verb:   "GET",
			OperationPolicies: model.OperationPolicies{
				model.FlowRequest: {{PolicyID: "p1", PolicyName: "Log", Parameters: model.Parameters{"level": model.StringValue("info")}}},
			},
		}},
	}
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrNotFound {
		t.Fatalf("error = %v, want NOT_FOUND envelope", err)
	}
}

// exerciseRepository runs the behaviour every APIRepository shares.
func exerciseRepository(t *testing.T, repo APIRepository, put func(tenant string, api model.APIResource)) {
	t.Helper()
	put("acme", sampleAPI())

	got, err := repo.GetAPI(tenantCtx("acme"), "api-1")
	if err != nil {
		t.Fatalf("GetAPI() error = %v", err)
	}
	if got.Name != "Pets" || len(got.Operations) != 1 {
		t.Fatalf("GetAPI() = %+v", got)
	}
	p := got.Operations[0].OperationPolicies[model.FlowRequest][0]
	if p.PolicyID != "p1" || p.Parameters["level"] != model.StringValue("info") {
		t.Errorf("policy = %+v", p)
	}

	_, err = repo.GetAPI(tenantCtx("globex"), "api-1")
	assertNotFound(t, err)

	got.Operations[0].OperationPolicies[model.FlowRequest] = append(
		got.Operations[0].OperationPolicies[model.FlowRequest],
		model.AttachedPolicy{PolicyID: "p2", Parameters: model.Parameters{"n": model.IntegerValue(3)}},
	)
	if err := repo.UpdateOperations(tenantCtx("acme"), "api-1", got.Operations); err != nil {
		t.Fatalf("UpdateOperations() error = %v", err)
	}

	again, err := repo.GetAPI(tenantCtx("acme"), "api-1")
	if err != nil {
		t.Fatalf("GetAPI() error = %v", err)
	}
	list := again.Operations[0].OperationPolicies[model.FlowRequest]
	if len(list) != 2 || list[1].PolicyID != "p2" || list[1].Parameters["n"] != model.IntegerValue(3) {
		t.Errorf("policies after update = %+v", list)
	}

	assertNotFound(t, repo.UpdateOperations(tenantCtx("acme"), "missing", nil))
}

func TestMemoryAPIRepository(t *testing.T) {
	repo := NewMemoryAPIRepository()
	exerciseRepository(t, repo, repo.Put)

	if ids := repo.List("acme"); len(ids) != 1 || ids[0] != "api-1" {
		t.Errorf("List() = %v", ids)
	}
}

func TestMemoryAPIRepository_returnsCopies(t *testing.T) {
	repo := NewMemoryAPIRepository()
	repo.Put("acme", sampleAPI())

	got, _ := repo.GetAPI(tenantCtx("acme"), "api-1")
	got.Operations[0].OperationPolicies[model.FlowRequest][0].PolicyID = "changed"

	again, _ := repo.GetAPI(tenantCtx("acme"), "api-1")
	if id := again.Operations[0].OperationPolicies[model.FlowRequest][0].PolicyID; id != "p1" {
		t.Errorf("stored policy id = %q, want p1", id)
	}
}

func TestPgAPIRepository(t *testing.T) {
	dsn := os.Getenv("PORTICO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PORTICO_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	repo := NewPgAPIRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM api_resources WHERE tenant_id IN ('acme', 'globex')`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := repo.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	exerciseRepository(t, repo, func(tenant string, api model.APIResource) {
		if err := repo.Put(ctx, tenant, api); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	})
}
