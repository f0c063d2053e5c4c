// Package sqlite provides a checkpoint Store backed by an embedded SQLite
// database, using the pure-Go modernc.org/sqlite driver. It gives single-node
// deployments durable checkpoints without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_checkpoints (
	source_id  TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store implements checkpoint.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes) a SQLite-backed checkpoint store at the given
// path. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// The store serializes writes itself; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save atomically replaces the source's checkpoint. The whole snapshot is one
// row, so a single upsert keeps dedup state, upsert state, and watermarks
// consistent with each other.
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
		VALUES (?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		cp.SourceID, body, cp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.SourceID, err)
	}
	return nil
}

// Load returns the source's checkpoint, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, sourceID string) (*checkpoint.Checkpoint, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM source_checkpoints WHERE source_id = ?`, sourceID).Scan(&body)
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
		`DELETE FROM source_checkpoints WHERE source_id = ?`, sourceID); err != nil {
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
