package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
)

// Store implements ports.BlobStore using the local filesystem.
// Files live at <BasePath>/<id>/<name>.
type Store struct {
	BasePath string
}

var _ ports.BlobStore = (*Store)(nil)

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to "data".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = "data"
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(key domain.FileKey) string {
	return filepath.Join(s.BasePath, key.ID, key.Name)
}

// Create opens a temporary file next to the destination.
// Commit renames it into place, so readers never observe a partial file.
func (s *Store) Create(ctx context.Context, key domain.FileKey) (ports.BlobWriter, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.BasePath, key.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Same directory as the destination so that rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return &writer{file: tmp, dest: s.path(key), dir: dir}, nil
}

// Open opens the stored file. The returned body is an *os.File and therefore seekable.
func (s *Store) Open(ctx context.Context, key domain.FileKey) (*domain.Blob, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFileNotFound, err)
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, domain.ErrFileNotFound
	}

	return &domain.Blob{
		Key:     key,
		Body:    f,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Delete removes the file and its upload directory once empty.
func (s *Store) Delete(ctx context.Context, key domain.FileKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Fails harmlessly if the directory still holds something.
	_ = os.Remove(filepath.Join(s.BasePath, key.ID))
	return nil
}

// List walks <BasePath>/<id>/<name>, skipping temporary files and anything
// that does not look like an upload.
func (s *Store) List(ctx context.Context) ([]domain.FileKey, error) {
	dirs, err := os.ReadDir(s.BasePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.FileKey{}, nil
		}
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}

	keys := []domain.FileKey{}
	for _, dir := range dirs {
		if !dir.IsDir() || domain.ValidateID(dir.Name()) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(filepath.Join(s.BasePath, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list upload %s: %w", dir.Name(), err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			key := domain.FileKey{ID: dir.Name(), Name: entry.Name()}
			if isTemp(entry.Name()) || key.Validate() != nil {
				continue
			}
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func isTemp(name string) bool {
	matched, _ := filepath.Match(".tmp-*", name)
	return matched
}

type writer struct {
	file *os.File
	dest string
	dir  string
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Commit syncs the temp file and renames it to the destination.
// The content type is not persisted by this store.
func (w *writer) Commit(contentType string) error {
	if w.done {
		return errors.New("blob writer already finished")
	}
	w.done = true
	tmpPath := w.file.Name()

	// Cleanup temp file in case of failure
	defer func() {
		_ = w.file.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}

	// Cannot rename an open file on Windows.
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// os.Rename fails on Windows if dest exists.
	if _, err := os.Stat(w.dest); err == nil {
		if err := os.Remove(w.dest); err != nil {
			return fmt.Errorf("failed to remove existing file for overwrite: %w", err)
		}
	}

	if err := os.Rename(tmpPath, w.dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Abort removes the temp file and the upload directory if it is now empty.
func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file: %w", err)
	}
	_ = os.Remove(w.dir)
	return nil
}
