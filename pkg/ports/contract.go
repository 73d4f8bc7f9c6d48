package ports

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aretw0/transfer/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCatalogContract runs a suite of tests to verify that a Catalog implementation
// adheres to the defined interface contract.
func RunCatalogContract(t *testing.T, catalog Catalog) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	older := domain.Upload{
		ID:          domain.NewFileKey("x").ID,
		Name:        "older.txt",
		FieldName:   "file",
		Size:        3,
		ContentType: "text/plain; charset=utf-8",
		CreatedAt:   base,
	}
	newer := domain.Upload{
		ID:        domain.NewFileKey("x").ID,
		Name:      "newer.bin",
		Size:      42,
		CreatedAt: base.Add(time.Minute),
	}

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, catalog.Put(ctx, older), "Put should not return error")

		got, err := catalog.Get(ctx, older.ID)
		require.NoError(t, err, "Get should not return error")
		assert.Equal(t, older.Name, got.Name)
		assert.Equal(t, older.FieldName, got.FieldName)
		assert.Equal(t, older.Size, got.Size)
		assert.Equal(t, older.ContentType, got.ContentType)
		assert.True(t, older.CreatedAt.Equal(got.CreatedAt), "CreatedAt should survive a round trip")
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := catalog.Get(ctx, domain.NewFileKey("x").ID)
		assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	})

	t.Run("List newest first", func(t *testing.T) {
		require.NoError(t, catalog.Put(ctx, newer))

		uploads, err := catalog.List(ctx)
		require.NoError(t, err)
		require.Len(t, uploads, 2)
		assert.Equal(t, newer.ID, uploads[0].ID)
		assert.Equal(t, older.ID, uploads[1].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, catalog.Delete(ctx, older.ID), "Delete should not return error")

		_, err := catalog.Get(ctx, older.ID)
		assert.ErrorIs(t, err, domain.ErrUploadNotFound, "Get after Delete should return ErrUploadNotFound")

		uploads, err := catalog.List(ctx)
		require.NoError(t, err)
		require.Len(t, uploads, 1)
		assert.Equal(t, newer.ID, uploads[0].ID)

		assert.NoError(t, catalog.Delete(ctx, older.ID), "Deleting twice should be a no-op")
		require.NoError(t, catalog.Delete(ctx, newer.ID))
	})
}

// RunBlobStoreContract runs a suite of tests to verify that a BlobStore implementation
// adheres to the defined interface contract. The store must start empty.
func RunBlobStoreContract(t *testing.T, store BlobStore) {
	ctx := context.Background()
	key := domain.NewFileKey("hello.txt")
	payload := []byte("hello\r\nworld")

	t.Run("Create and Open", func(t *testing.T) {
		w, err := store.Create(ctx, key)
		require.NoError(t, err)
		_, err = w.Write(payload[:5])
		require.NoError(t, err)
		_, err = w.Write(payload[5:])
		require.NoError(t, err)
		require.NoError(t, w.Commit("text/plain"))

		blob, err := store.Open(ctx, key)
		require.NoError(t, err)
		defer blob.Body.Close()

		data, err := io.ReadAll(blob.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, int64(len(payload)), blob.Size)
		assert.Equal(t, key, blob.Key)
	})

	t.Run("Abort leaves nothing behind", func(t *testing.T) {
		aborted := domain.NewFileKey("aborted.bin")
		w, err := store.Create(ctx, aborted)
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		_, err = store.Open(ctx, aborted)
		assert.ErrorIs(t, err, domain.ErrFileNotFound)
	})

	t.Run("Empty file", func(t *testing.T) {
		empty := domain.NewFileKey("empty")
		w, err := store.Create(ctx, empty)
		require.NoError(t, err)
		require.NoError(t, w.Commit(""))

		blob, err := store.Open(ctx, empty)
		require.NoError(t, err)
		defer blob.Body.Close()
		assert.Equal(t, int64(0), blob.Size)

		require.NoError(t, store.Delete(ctx, empty))
	})

	t.Run("Open Non-Existent", func(t *testing.T) {
		_, err := store.Open(ctx, domain.NewFileKey("missing.txt"))
		assert.ErrorIs(t, err, domain.ErrFileNotFound)
	})

	t.Run("List", func(t *testing.T) {
		keys, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.FileKey{key}, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Open(ctx, key)
		assert.ErrorIs(t, err, domain.ErrFileNotFound, "Open after Delete should return ErrFileNotFound")

		assert.NoError(t, store.Delete(ctx, key), "Deleting twice should be a no-op")

		keys, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
