package memory

import (
	"context"
	"sync"

	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
)

// Catalog implements ports.Catalog in memory.
// Safe for concurrent use.
type Catalog struct {
	data map[string]domain.Upload
	mu   sync.RWMutex
}

var _ ports.Catalog = (*Catalog)(nil)

// NewCatalog creates a new in-memory catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		data: make(map[string]domain.Upload),
	}
}

// Put records the upload. Uploads are plain values, so storing one copies it.
func (c *Catalog) Put(ctx context.Context, upload domain.Upload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[upload.ID] = upload
	return nil
}

// Get retrieves an upload by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*domain.Upload, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	upload, ok := c.data[id]
	if !ok {
		return nil, domain.ErrUploadNotFound
	}
	return &upload, nil
}

// Delete forgets an upload.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

// List returns all uploads, newest first.
func (c *Catalog) List(ctx context.Context) ([]domain.Upload, error) {
	c.mu.RLock()
	uploads := make([]domain.Upload, 0, len(c.data))
	for _, u := range c.data {
		uploads = append(uploads, u)
	}
	c.mu.RUnlock()

	domain.SortNewestFirst(uploads)
	return uploads, nil
}
