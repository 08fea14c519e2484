package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coedit/common"
)

// PostgresAdapter is a PostgreSQL-backed persistence adapter. Snapshots live
// in a single table, one row per document.
type PostgresAdapter struct {
	// pool is the pgx connection pool. It is owned by the caller.
	pool *pgxpool.Pool

	// table is the snapshot table name.
	table string
}

// NewPostgresAdapter creates a new Postgres adapter on top of an existing
// pool, writing to the given table. The table is expected to exist:
//
//	CREATE TABLE document_snapshots (
//	    document_id text PRIMARY KEY,
//	    content     bytea NOT NULL,
//	    updated_at  timestamptz NOT NULL
//	)
func NewPostgresAdapter(pool *pgxpool.Pool, table string) *PostgresAdapter {
	if table == "" {
		table = "document_snapshots"
	}
	return &PostgresAdapter{pool: pool, table: table}
}

// Fetch loads the stored snapshot for the key.
func (a *PostgresAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE document_id = $1", a.table)

	var content []byte
	err := a.pool.QueryRow(ctx, query, key).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.ErrSnapshotNotFound{Key: key}
		}
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	return content, nil
}

// Store overwrites the stored snapshot for the key.
func (a *PostgresAdapter) Store(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		a.table)

	if _, err := a.pool.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Close releases the adapter's resources. The pool is managed by the caller
// and is not closed here.
func (a *PostgresAdapter) Close() error {
	return nil
}
