package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coedit/common"
)

// PostgresContentResolver resolves content records from the platform's
// content database. Document keys look like "post:<id>"; the prefix selects
// the content table, the remainder is the row ID.
type PostgresContentResolver struct {
	pool *pgxpool.Pool
}

// NewPostgresContentResolver creates a resolver on top of an existing pool.
func NewPostgresContentResolver(pool *pgxpool.Pool) *PostgresContentResolver {
	return &PostgresContentResolver{pool: pool}
}

// ResolveContentRecord looks up the owner and visibility of the content row
// the key references.
func (r *PostgresContentResolver) ResolveContentRecord(ctx context.Context, key string) (ContentRecord, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return ContentRecord{}, common.ErrDocumentNotFound{Key: key}
	}

	var query string
	switch kind {
	case "post":
		query = "SELECT author_id, status FROM posts WHERE id = $1"
	default:
		return ContentRecord{}, common.ErrDocumentNotFound{Key: key}
	}

	var ownerID, status string
	err := r.pool.QueryRow(ctx, query, id).Scan(&ownerID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContentRecord{}, common.ErrDocumentNotFound{Key: key}
		}
		return ContentRecord{}, fmt.Errorf("failed to resolve content record: %w", err)
	}

	visibility := VisibilityPrivate
	if status == "published" {
		visibility = VisibilityPublished
	}

	return ContentRecord{OwnerID: ownerID, Visibility: visibility}, nil
}
