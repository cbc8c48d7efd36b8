package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

// Key addresses one artifact. Digest is the canonical hash used by the
// disk backend; Path is a human-readable host/path layout used by the
// object store.
type Key struct {
	Digest string
	Path   string
}

// Backend stores raw artifact bytes. Get returns (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, data []byte, ttl time.Duration) error
	Name() string
}

// Cache is the facade over a backend. Backend errors are logged and
// swallowed: a broken cache degrades to a miss, it never fails a render.
type Cache struct {
	backend Backend
	logger  *logging.Logger
}

// New selects and wraps a backend from configuration.
func New(cfg config.CacheConfig, logger *logging.Logger) (*Cache, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "none", "":
		backend = noneBackend{}
	case "disk":
		backend, err = newDiskBackend(cfg.Root, cfg.TTL)
	case "object":
		backend, err = newObjectBackend(cfg)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &Cache{backend: backend, logger: logger.Named("cache")}, nil
}

// NewWithBackend wraps an explicit backend; used by tests.
func NewWithBackend(backend Backend, logger *logging.Logger) *Cache {
	return &Cache{backend: backend, logger: logger.Named("cache")}
}

// Get returns the cached bytes for key, or nil on a miss or backend error.
func (c *Cache) Get(ctx context.Context, key Key) []byte {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("error reading cache",
			zap.String("backend", c.backend.Name()),
			zap.String("key", key.Digest),
			zap.Error(err))
		return nil
	}
	return data
}

// Set stores bytes under key. Errors are logged and dropped.
func (c *Cache) Set(ctx context.Context, key Key, data []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("error writing cache",
			zap.String("backend", c.backend.Name()),
			zap.String("key", key.Digest),
			zap.Error(err))
	}
}
