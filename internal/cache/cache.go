package cache

import "context"

// Cache is the swappable backing used for cache-aside reads. Values are
// opaque bytes; a miss is (nil, nil). Entries expire after the backend's
// fixed TTL, and Delete is the only invalidation mechanism.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
