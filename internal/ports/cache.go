package ports

import (
	"context"
	"time"
)

// Cache is a key-value capability for usecases and adapters.
// Backed by the SQLite kv table or Redis.
type Cache interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
