// Package metadata is a small key/value table in the client's local
// database. The client keeps its session tokens there.
package metadata

import "context"

// Repository stores opaque values by key. Get returns (nil, nil) for a
// missing key.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
