package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// farFuture is the index score of uploads that never expire (2100-01-01).
const farFuture = 4102444800

// Catalog implements ports.Catalog using Redis.
type Catalog struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

var _ ports.Catalog = (*Catalog)(nil)

type Option func(*Catalog)

// WithTTL sets the expiration for catalog entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix for catalog entries.
func WithPrefix(prefix string) Option {
	return func(c *Catalog) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// New creates a new Redis catalog with options.
func New(address, password string, db int, opts ...Option) *Catalog {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis catalog from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Catalog {
	c := &Catalog{
		client: client,
		prefix: "transfer:upload:",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Catalog) key(id string) string {
	return c.prefix + id
}

func (c *Catalog) indexKey() string {
	return c.prefix + "index"
}

// Ping checks connectivity.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Put stores the upload as JSON and adds it to the index.
// The index score is the expiry time, used for lazy pruning in List.
func (c *Catalog) Put(ctx context.Context, upload domain.Upload) error {
	data, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}

	score := float64(time.Now().Add(c.ttl).Unix())
	if c.ttl == 0 {
		score = farFuture
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.key(upload.ID), data, c.ttl)
	pipe.ZAdd(ctx, c.indexKey(), backend.Z{
		Score:  score,
		Member: upload.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves an upload by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*domain.Upload, error) {
	val, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var upload domain.Upload
	if err := json.Unmarshal(val, &upload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload: %w", err)
	}
	return &upload, nil
}

// Delete removes the upload and its index entry.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, c.key(id))
	pipe.ZRem(ctx, c.indexKey(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// List prunes expired index entries, then loads the rest with a single MGET.
func (c *Catalog) List(ctx context.Context) ([]domain.Upload, error) {
	now := float64(time.Now().Unix())
	err := c.client.ZRemRangeByScore(ctx, c.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired uploads: %w", err)
	}

	ids, err := c.client.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Upload{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load uploads: %w", err)
	}

	uploads := make([]domain.Upload, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Value expired before its index entry was pruned.
			continue
		}
		var upload domain.Upload
		if err := json.Unmarshal([]byte(s), &upload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal upload %s: %w", ids[i], err)
		}
		uploads = append(uploads, upload)
	}

	domain.SortNewestFirst(uploads)
	return uploads, nil
}

// Close closes the redis client.
func (c *Catalog) Close() error {
	return c.client.Close()
}
