// Package objstore stores rendered report files and issues signed
// retrieval URLs for them.
package objstore

import (
	"context"
	"io"
	"time"
)

// Storage persists report artifacts by key.
type Storage interface {
	// Put writes the object under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object for reading. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// SignedURL returns a URL that grants access to the object until expiry.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
