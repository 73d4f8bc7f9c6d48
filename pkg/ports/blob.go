package ports

import (
	"context"
	"io"

	"github.com/aretw0/transfer/pkg/domain"
)

// BlobWriter is an in-progress write to a BlobStore.
// Exactly one of Commit or Abort must be called.
type BlobWriter interface {
	io.Writer

	// Commit makes the written bytes visible under the key given to Create.
	Commit(contentType string) error

	// Abort discards everything written so far.
	Abort() error
}

// BlobStore keeps the bytes of uploaded files.
type BlobStore interface {
	// Create starts a write for key. Nothing is visible until Commit.
	Create(ctx context.Context, key domain.FileKey) (BlobWriter, error)

	// Open returns the stored file.
	// Returns domain.ErrFileNotFound if the key does not exist.
	Open(ctx context.Context, key domain.FileKey) (*domain.Blob, error)

	// Delete removes the stored file. Deleting a missing key is not an error.
	Delete(ctx context.Context, key domain.FileKey) error

	// List returns the keys of all stored files.
	List(ctx context.Context) ([]domain.FileKey, error)
}
