// Package s3 stores uploaded files in an S3 (or S3-compatible) bucket.
//
// Objects are keyed <prefix>/<id>/<name>. Writes are spooled to a local
// temporary file and sent with a single PutObject on Commit, so the object
// only appears once the upload is complete.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the S3 client used by Store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config selects the bucket and, for S3-compatible servers, the endpoint.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Store implements ports.BlobStore on S3.
type Store struct {
	client   API
	bucket   string
	prefix   string
	spoolDir string
}

var _ ports.BlobStore = (*Store)(nil)

// New loads AWS credentials using the default credential chain and creates a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewFromClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewFromClient creates a Store from an existing client.
func NewFromClient(client API, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// WithSpoolDir sets where in-flight uploads are buffered. Defaults to os.TempDir.
func (s *Store) WithSpoolDir(dir string) *Store {
	s.spoolDir = dir
	return s
}

func (s *Store) objectKey(key domain.FileKey) string {
	if s.prefix == "" {
		return key.String()
	}
	return path.Join(s.prefix, key.ID, key.Name)
}

// Create starts spooling a new object.
func (s *Store) Create(ctx context.Context, key domain.FileKey) (ports.BlobWriter, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	spool, err := os.CreateTemp(s.spoolDir, "transfer-s3-*")
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create spool file: %w", err)
	}
	return &writer{ctx: ctx, store: s, key: key, spool: spool}, nil
}

// Open streams the object. The body is not seekable.
func (s *Store) Open(ctx context.Context, key domain.FileKey) (*domain.Blob, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFileNotFound, err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}

	return &domain.Blob{
		Key:         key,
		Body:        out.Body,
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *Store) Delete(ctx context.Context, key domain.FileKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

// List pages through the bucket prefix and returns every key shaped like an upload.
func (s *Store) List(ctx context.Context) ([]domain.FileKey, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	keys := []domain.FileKey{}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list: %w", err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if s.prefix != "" {
				name = strings.TrimPrefix(name, s.prefix+"/")
			}
			key, err := domain.ParseFileKey(name)
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

type writer struct {
	ctx   context.Context
	store *Store
	key   domain.FileKey
	spool *os.File
	done  bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.spool.Write(p)
}

func (w *writer) Commit(contentType string) error {
	if w.done {
		return errors.New("blob writer already finished")
	}
	w.done = true
	defer w.cleanup()

	size, err := w.spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("s3: failed to size spool file: %w", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("s3: failed to rewind spool file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.store.objectKey(w.key)),
		Body:          w.spool,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := w.store.client.PutObject(w.ctx, input); err != nil {
		return fmt.Errorf("s3: put %s: %w", w.key, err)
	}
	return nil
}

func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *writer) cleanup() {
	_ = w.spool.Close()
	_ = os.Remove(w.spool.Name())
}
