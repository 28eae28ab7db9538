package blob

import (
	"context"
	"io"
	"time"
)

// ID is the opaque identifier a blob is stored under.
type ID string

// Store is the minimal interface required by higher layers.
type Store interface {
	// Write stores r under id. Writes are create-only.
	Write(ctx context.Context, id ID, r io.Reader) (ID, int64, error)
	// Put stores r under a freshly generated identifier.
	Put(ctx context.Context, r io.Reader) (ID, int64, error)
	Read(ctx context.Context, id ID) (io.ReadCloser, int64, error)
	Stat(ctx context.Context, id ID) (Info, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
}

// Info describes a stored blob.
type Info struct {
	ID      ID
	Size    int64
	ModTime time.Time
}
