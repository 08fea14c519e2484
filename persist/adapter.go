// Package persist holds the durable snapshot adapters. A document owns its
// state in memory; an adapter only ever sees the full serialized snapshot,
// one row per document key.
package persist

import (
	"context"
)

// Adapter is the narrow interface the document store consumes for
// durability. Fetch returns ErrSnapshotNotFound when no snapshot was ever
// stored for the key. Store is a full idempotent overwrite: writing the same
// snapshot twice leaves the stored state unchanged.
type Adapter interface {
	// Fetch loads the stored snapshot for the key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store overwrites the stored snapshot for the key.
	Store(ctx context.Context, key string, data []byte) error

	// Close releases the adapter's resources.
	Close() error
}
