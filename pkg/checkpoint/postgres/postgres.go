// Package postgres provides a checkpoint Store backed by PostgreSQL, using
// the pgx driver through database/sql. Multi-node deployments point every
// worker at the same table so a source can be resumed on a different node.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx database/sql driver

	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_checkpoints (
	source_id  TEXT PRIMARY KEY,
	body       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Store implements checkpoint.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and initializes the checkpoint table.
func Open(ctx context.Context, connString string) (*Store, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach checkpoint database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save atomically replaces the source's checkpoint via a single upsert.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	body, err := cp.Encode()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_checkpoints (source_id, body, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		cp.SourceID, body, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.SourceID, err)
	}
	return nil
}

// Load returns the source's checkpoint, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, sourceID string) (*checkpoint.Checkpoint, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM source_checkpoints WHERE source_id = $1`, sourceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}
	return checkpoint.Decode(body)
}

// Delete removes the source's checkpoint.
func (s *Store) Delete(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM source_checkpoints WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// List returns the ids of all checkpointed sources.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM source_checkpoints ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
