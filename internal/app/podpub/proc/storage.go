package proc

import (
	"context"
)

// Storage keeps bytes at object paths. It knows nothing about shows or episodes.
type Storage interface {
	// Put writes data at path, replacing what was there. Errors are *podcast.StorageError.
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Get reads data at path, *podcast.NotFoundError if nothing is there
	Get(ctx context.Context, path string) ([]byte, error)
	// URL returns the public URL of path
	URL(path string) string
}
