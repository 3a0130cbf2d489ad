package domain

import (
	"context"
	"io"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// BlobChecker reports whether an object already exists, letting the archiver
// skip partitions that were exported by an earlier run.
type BlobChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}
