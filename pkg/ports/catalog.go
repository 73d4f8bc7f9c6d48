package ports

import (
	"context"

	"github.com/aretw0/transfer/pkg/domain"
)

// Catalog indexes upload metadata by upload ID.
type Catalog interface {
	// Put records (or replaces) an upload.
	Put(ctx context.Context, upload domain.Upload) error

	// Get returns the upload with the given ID.
	// Returns domain.ErrUploadNotFound if it is unknown.
	Get(ctx context.Context, id string) (*domain.Upload, error)

	// Delete forgets an upload. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every known upload, newest first.
	List(ctx context.Context) ([]domain.Upload, error)
}
