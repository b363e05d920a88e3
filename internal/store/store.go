// Package store persists API resources for policy editing sessions when the
// publisher backend is not the system of record.
package store

import (
	"context"
	"fmt"

	"github.com/pitabwire/portico/model"
)

// APIRepository loads an API resource and replaces its operations. Both
// calls are scoped to the tenant carried by ctx.
type APIRepository interface {
	GetAPI(ctx context.Context, apiID string) (model.APIResource, error)
	UpdateOperations(ctx context.Context, apiID string, ops []model.APIOperation) error
}

func notFound(apiID string) error {
	return model.NewNotFoundError(fmt.Sprintf("API %q not found", apiID))
}
