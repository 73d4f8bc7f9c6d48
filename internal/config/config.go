// Package config loads the server configuration.
//
// Sources are layered, later ones winning: built-in defaults, a YAML file,
// TRANSFER_* environment variables (optionally seeded from a .env file), and
// finally command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	DataDir         string        `mapstructure:"data_dir" yaml:"data_dir"`
	PublicURL       string        `mapstructure:"public_url" yaml:"public_url"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat       string        `mapstructure:"log_format" yaml:"log_format"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`
}

// StorageConfig selects where file bytes are kept.
type StorageConfig struct {
	Backend string   `mapstructure:"backend" yaml:"backend"` // file, s3
	S3      S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the s3 storage backend.
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

// CatalogConfig selects where upload metadata is kept.
type CatalogConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"` // memory, redis
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the redis catalog backend.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// DefaultConfig returns the built-in defaults. Port is left unset and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		DataDir:         "data",
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		Storage: StorageConfig{
			Backend: "file",
		},
		Catalog: CatalogConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "transfer:upload:",
			},
		},
	}
}

// envBindings maps environment variables to dotted config paths.
var envBindings = map[string]string{
	"TRANSFER_HOST":             "host",
	"TRANSFER_PORT":             "port",
	"TRANSFER_DATA_DIR":         "data_dir",
	"TRANSFER_PUBLIC_URL":       "public_url",
	"TRANSFER_MAX_UPLOAD_BYTES": "max_upload_bytes",
	"TRANSFER_SHUTDOWN_TIMEOUT": "shutdown_timeout",
	"TRANSFER_LOG_LEVEL":        "log_level",
	"TRANSFER_LOG_FORMAT":       "log_format",
	"TRANSFER_STORAGE_BACKEND":  "storage.backend",
	"TRANSFER_S3_BUCKET":        "storage.s3.bucket",
	"TRANSFER_S3_PREFIX":        "storage.s3.prefix",
	"TRANSFER_S3_REGION":        "storage.s3.region",
	"TRANSFER_S3_ENDPOINT":      "storage.s3.endpoint",
	"TRANSFER_S3_PATH_STYLE":    "storage.s3.path_style",
	"TRANSFER_CATALOG_BACKEND":  "catalog.backend",
	"TRANSFER_REDIS_ADDR":       "catalog.redis.addr",
	"TRANSFER_REDIS_PASSWORD":   "catalog.redis.password",
	"TRANSFER_REDIS_DB":         "catalog.redis.db",
	"TRANSFER_REDIS_PREFIX":     "catalog.redis.prefix",
	"TRANSFER_REDIS_TTL":        "catalog.redis.ttl",
}

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or, for the implicit default, missing) and the environment.
func Load(path string, lookup LookupFunc) (*Config, error) {
	raw := map[string]any{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	for env, key := range envBindings {
		if v, ok := lookup(env); ok {
			setPath(raw, key, v)
		}
	}

	cfg := DefaultConfig()
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode applies a generic map (as produced by YAML) onto cfg.
// Strings are converted to numbers, booleans and durations where needed.
func Decode(raw map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setPath(m map[string]any, dotted string, value any) {
	parts := strings.Split(dotted, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("max_upload_bytes must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}

	switch c.Storage.Backend {
	case "file":
		if c.DataDir == "" {
			return errors.New("data_dir is required for the file storage backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want file or s3)", c.Storage.Backend)
	}

	switch c.Catalog.Backend {
	case "memory":
	case "redis":
		if c.Catalog.Redis.Addr == "" {
			return errors.New("catalog.redis.addr is required for the redis catalog backend")
		}
	default:
		return fmt.Errorf("unknown catalog backend %q (want memory or redis)", c.Catalog.Backend)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
