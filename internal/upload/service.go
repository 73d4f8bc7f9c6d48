// Package upload implements storing and serving transferred files.
//
// The service sits between the HTTP adapter and the storage ports: it names
// each incoming file, streams it into the blob store, sniffs its content
// type, and records it in the catalog.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"time"

	"github.com/aretw0/transfer/internal/metrics"
	"github.com/aretw0/transfer/internal/multipart"
	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// sniffLen is how much of a file is kept for content type detection.
const sniffLen = 512

// StreamError reports that the request body itself could not be read, as
// opposed to a failure to store what was read.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return "failed to read upload: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Stored is the result of storing one file.
type Stored struct {
	FieldName string
	FileName  string // as requested by the client
	Upload    domain.Upload
	Err       error
}

// Outcome is the result of a request that may carry several files.
type Outcome struct {
	Files []Stored
	Err   error // set when the body stopped being readable
}

// Service stores and serves uploads.
type Service struct {
	blobs   ports.BlobStore
	catalog ports.Catalog
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records stored files and downloads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIDGenerator replaces the random UUID generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service on top of the given stores.
func NewService(blobs ports.BlobStore, catalog ports.Catalog, opts ...Option) *Service {
	s := &Service{
		blobs:   blobs,
		catalog: catalog,
		logger:  slog.New(slog.DiscardHandler),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreRaw stores body as a single file.
func (s *Service) StoreRaw(ctx context.Context, fileName, contentType string, body io.Reader) (Stored, error) {
	upload, err := s.store(ctx, metrics.KindRaw, "", fileName, contentType, body)
	return Stored{FileName: fileName, Upload: upload, Err: err}, err
}

// StoreMultipart stores every file part of a multipart body. Parts without
// a filename are form fields and are skipped. A failure to store one file is
// reported on that file and the next part is processed; a failure to read
// the body ends processing.
func (s *Service) StoreMultipart(ctx context.Context, mr *multipart.Reader) Outcome {
	var out Outcome
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Err = &StreamError{Err: err}
			break
		}
		if !part.HasFileName() {
			s.logger.Debug("form field ignored", "name", part.FormName)
			continue
		}

		upload, err := s.store(ctx, metrics.KindMultipart, part.FormName, part.FileName, part.ContentType, part)
		out.Files = append(out.Files, Stored{
			FieldName: part.FormName,
			FileName:  part.FileName,
			Upload:    upload,
			Err:       err,
		})

		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			out.Err = err
			break
		}
	}

	if out.Err != nil {
		s.logger.Warn("multipart upload ended early", "files", len(out.Files), "error", out.Err)
	}
	return out
}

// StoreForm stores an application/x-www-form-urlencoded body. Each
// "name=value" pair becomes a file called name holding the decoded value;
// a pair without "=" is stored under domain.DefaultFileName. Values are
// decoded while they are written, so a pair is never held in memory.
func (s *Service) StoreForm(ctx context.Context, body io.Reader) Outcome {
	var out Outcome
	br := bufio.NewReader(body)
	for {
		seg := &segmentReader{br: br}
		if stored, ok := s.storeFormPair(ctx, seg); ok {
			out.Files = append(out.Files, stored)
		}
		seg.drain()

		if seg.err != nil {
			out.Err = &StreamError{Err: seg.err}
			s.logger.Warn("form upload ended early", "files", len(out.Files), "error", out.Err)
			break
		}
		if seg.eof {
			break
		}
	}
	return out
}

// storeFormPair stores one pair. ok is false for an empty pair.
func (s *Service) storeFormPair(ctx context.Context, seg *segmentReader) (stored Stored, ok bool) {
	head, hasName, err := seg.readName(maxFormNameLen)
	if err != nil {
		return Stored{Err: &StreamError{Err: err}}, true
	}
	if !hasName && len(head) == 0 && seg.done {
		return Stored{}, false
	}

	value := &formValueReader{src: seg}
	var name string
	if hasName {
		name, err = url.QueryUnescape(string(head))
		if err != nil {
			s.metrics.FileStored(metrics.KindForm, 0, err)
			return Stored{FileName: string(head), Err: fmt.Errorf("%w: bad encoding", domain.ErrInvalidFileName)}, true
		}
	} else {
		value.head = head
	}
	fileName := name
	if fileName == "" {
		fileName = domain.DefaultFileName
	}

	upload, err := s.store(ctx, metrics.KindForm, name, fileName, "", value)
	return Stored{FieldName: name, FileName: fileName, Upload: upload, Err: err}, true
}

func (s *Service) store(ctx context.Context, kind, field, name, declaredType string, r io.Reader) (domain.Upload, error) {
	upload, err := s.write(ctx, field, name, declaredType, r)
	s.metrics.FileStored(kind, upload.Size, err)
	if err != nil {
		s.logger.Warn("failed to store file", "kind", kind, "filename", name, "error", err)
		return domain.Upload{}, err
	}
	s.logger.Info("file stored", "kind", kind, "key", upload.Key().String(), "size", upload.Size, "content_type", upload.ContentType)
	return upload, nil
}

func (s *Service) write(ctx context.Context, field, name, declaredType string, r io.Reader) (domain.Upload, error) {
	clean, err := domain.SanitizeFileName(name)
	if err != nil {
		return domain.Upload{}, err
	}
	key := domain.FileKey{ID: s.newID(), Name: clean}

	w, err := s.blobs.Create(ctx, key)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("failed to create file: %w", err)
	}

	src := &sniffer{r: r}
	n, err := io.Copy(w, src)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			s.logger.Warn("failed to discard partial file", "key", key.String(), "error", abortErr)
		}
		var streamErr *StreamError
		if errors.As(err, &streamErr) || errors.Is(err, ErrBadEncoding) {
			return domain.Upload{}, err
		}
		return domain.Upload{}, fmt.Errorf("failed to write file: %w", err)
	}

	upload := domain.Upload{
		ID:          key.ID,
		Name:        key.Name,
		FieldName:   field,
		Size:        n,
		ContentType: detectContentType(declaredType, src.head),
		CreatedAt:   s.now().UTC(),
	}

	// The catalog entry goes first so that no committed file is ever unlisted.
	if err := s.catalog.Put(ctx, upload); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			s.logger.Warn("failed to discard file", "key", key.String(), "error", abortErr)
		}
		return domain.Upload{}, fmt.Errorf("failed to record upload: %w", err)
	}
	if err := w.Commit(upload.ContentType); err != nil {
		if delErr := s.catalog.Delete(ctx, key.ID); delErr != nil {
			s.logger.Warn("failed to forget upload", "key", key.String(), "error", delErr)
		}
		return domain.Upload{}, fmt.Errorf("failed to save file: %w", err)
	}
	return upload, nil
}

// Open returns the stored file, filling in its content type from the catalog
// when the blob store does not keep one.
func (s *Service) Open(ctx context.Context, key domain.FileKey) (*domain.Blob, error) {
	if err := key.Validate(); err != nil {
		s.metrics.Download(metrics.OutcomeNotFound)
		return nil, fmt.Errorf("%w: %v", domain.ErrFileNotFound, err)
	}

	blob, err := s.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			s.metrics.Download(metrics.OutcomeNotFound)
		} else {
			s.metrics.Download(metrics.OutcomeError)
		}
		return nil, err
	}

	if blob.ContentType == "" {
		if upload, err := s.catalog.Get(ctx, key.ID); err == nil && upload.Name == key.Name {
			blob.ContentType = upload.ContentType
		}
	}
	s.metrics.Download(metrics.OutcomeOK)
	return blob, nil
}

// List returns all cataloged uploads, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Upload, error) {
	return s.catalog.List(ctx)
}

// Reindex adds every stored file missing from the catalog, using the file's
// modification time as its creation time. It returns how many were added.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	keys, err := s.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored files: %w", err)
	}

	added := 0
	for _, key := range keys {
		if _, err := s.catalog.Get(ctx, key.ID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrUploadNotFound) {
			return added, err
		}

		upload, err := s.describe(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "key", key.String(), "error", err)
			continue
		}
		if err := s.catalog.Put(ctx, upload); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Sweep deletes every stored file the catalog no longer knows, such as
// files whose catalog entry expired. It returns how many were deleted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	keys, err := s.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored files: %w", err)
	}

	removed := 0
	for _, key := range keys {
		upload, err := s.catalog.Get(ctx, key.ID)
		if err == nil && upload.Name == key.Name {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrUploadNotFound) {
			return removed, err
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired files deleted", "count", removed)
	}
	return removed, nil
}

func (s *Service) describe(ctx context.Context, key domain.FileKey) (domain.Upload, error) {
	blob, err := s.blobs.Open(ctx, key)
	if err != nil {
		return domain.Upload{}, err
	}
	defer blob.Body.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(blob.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.Upload{}, err
	}

	return domain.Upload{
		ID:          key.ID,
		Name:        key.Name,
		Size:        blob.Size,
		ContentType: detectContentType(blob.ContentType, head[:n]),
		CreatedAt:   blob.ModTime.UTC(),
	}, nil
}

// detectContentType keeps a meaningful declared type and sniffs otherwise.
func detectContentType(declared string, head []byte) string {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
			return declared
		}
	}
	return mimetype.Detect(head).String()
}

// sniffer passes reads through, keeps the first sniffLen bytes, and tags read
// errors as StreamError. Decoding errors are the file's own and pass as is.
type sniffer struct {
	r    io.Reader
	head []byte
}

func (s *sniffer) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if room := sniffLen - len(s.head); room > 0 && n > 0 {
		s.head = append(s.head, p[:min(n, room)]...)
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrBadEncoding) {
		return n, err
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return n, err
	}
	return n, &StreamError{Err: err}
}
