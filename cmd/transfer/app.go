package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aretw0/transfer/internal/adapters/file"
	httpAdapter "github.com/aretw0/transfer/internal/adapters/http"
	"github.com/aretw0/transfer/internal/adapters/memory"
	"github.com/aretw0/transfer/internal/adapters/redis"
	"github.com/aretw0/transfer/internal/adapters/s3"
	"github.com/aretw0/transfer/internal/config"
	"github.com/aretw0/transfer/internal/metrics"
	"github.com/aretw0/transfer/internal/upload"
	"github.com/aretw0/transfer/pkg/ports"
)

// app is the wired server: stores, service and HTTP handler.
type app struct {
	handler http.Handler
	service *upload.Service
	logger  *slog.Logger
	closers []func() error

	// sweepInterval is how often files whose catalog entry expired are
	// deleted. Zero disables sweeping.
	sweepInterval time.Duration
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	catalog, err := a.newCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	a.service = upload.NewService(blobs, catalog,
		upload.WithLogger(logger),
		upload.WithMetrics(m),
	)

	// A memory catalog starts empty; files from earlier runs are still on the store.
	if cfg.Catalog.Backend == "memory" {
		n, err := a.service.Reindex(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to index stored files: %w", err)
		}
		logger.Info("catalog rebuilt from storage", "uploads", n)
	}

	a.handler = httpAdapter.NewHandler(a.service,
		httpAdapter.WithLogger(logger),
		httpAdapter.WithMetrics(m),
		httpAdapter.WithPublicURL(cfg.PublicURL),
		httpAdapter.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	return a, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (ports.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Prefix:    cfg.Storage.S3.Prefix,
			Region:    cfg.Storage.S3.Region,
			Endpoint:  cfg.Storage.S3.Endpoint,
			PathStyle: cfg.Storage.S3.PathStyle,
		})
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return file.New(cfg.DataDir), nil
	}
}

func (a *app) newCatalog(ctx context.Context, cfg *config.Config) (ports.Catalog, error) {
	switch cfg.Catalog.Backend {
	case "redis":
		rc := cfg.Catalog.Redis
		catalog := redis.New(rc.Addr, rc.Password, rc.DB,
			redis.WithPrefix(rc.Prefix),
			redis.WithTTL(rc.TTL),
		)
		if err := catalog.Ping(ctx); err != nil {
			catalog.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
		}
		a.closers = append(a.closers, catalog.Close)
		if rc.TTL > 0 {
			a.sweepInterval = min(max(rc.TTL/2, time.Minute), time.Hour)
		}
		return catalog, nil
	default:
		return memory.NewCatalog(), nil
	}
}

// tasks returns the background work to run alongside the server.
func (a *app) tasks() []func(context.Context) error {
	if a.sweepInterval == 0 {
		return nil
	}
	return []func(context.Context) error{a.runSweeper}
}

// runSweeper deletes files whose catalog entry expired until ctx is done.
func (a *app) runSweeper(ctx context.Context) error {
	a.logger.Info("expired file sweeper started", "interval", a.sweepInterval)
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.service.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("failed to sweep expired files", "error", err)
			}
		}
	}
}

// Close releases backend connections.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
