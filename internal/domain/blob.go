package domain

import (
	"context"
	"io"
	"time"
)

// BlobMeta travels with an uploaded object. Metadata keys are lower case.
type BlobMeta struct {
	ContentType string
	Metadata    map[string]string
}

// BlobInfo describes a stored object. List leaves Metadata empty; Stat
// fills it.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, meta BlobMeta) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64, meta BlobMeta) error
}

// BlobReader reads archive objects back. Get and Stat return ErrNotFound for
// a missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Stat(ctx context.Context, path string) (BlobInfo, error)
}

// Archiver copies trades and audit rows older than before to cold storage
// and returns how many rows it wrote.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
