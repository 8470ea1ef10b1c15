// Package failoverblob implements C2: a single logical blob store backed by
// a primary object-store backend and a local-filesystem fallback, sharing
// C1's health-driven atomic-selection contract shape (spec §4.2).
package failoverblob

import (
	"context"
	"time"

	"github.com/tomshen124/ocr-server/internal/model"
)

// Blob is a retrieved object plus its declared content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// backend is the blob CRUD contract both concrete backends (object store,
// local FS) must implement identically (spec §4.2 "same contract shape").
type backend interface {
	name() model.BackendKind

	put(ctx context.Context, key string, data []byte, contentType string) error
	get(ctx context.Context, key string) (*Blob, error)
	deleteKey(ctx context.Context, key string) error
	presignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// healthCheck performs a small round-trip read of a sentinel object
	// (spec §4.2).
	healthCheck(ctx context.Context) error

	close() error
}
