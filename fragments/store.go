// Package fragments implements the attachment collaborator's
// content-addressed fragment store (spec §6): a disk-backed blob store
// keyed by BLAKE3 hash, fronted by a small SQLite table tracking ttl
// expiry.
package fragments

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

// schema tracks one row per stored fragment: its size (for accounting) and
// an optional expiry the janitor sweeps on. The bytes themselves live on
// disk, not in SQLite, since fragments range up to the attachment
// collaborator's chunk size.
const schema = `
CREATE TABLE IF NOT EXISTS fragments (
	hash       BLOB PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	size       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS fragments_expiry ON fragments(expires_at) WHERE expires_at IS NOT NULL;
`

type metaStore struct {
	db *sql.DB
}

func openMeta(path string) (*metaStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fragments: apply schema: %w", err)
	}
	return &metaStore{db: db}, nil
}

func (m *metaStore) Close() error { return m.db.Close() }

// upsert inserts hash's row, or widens its expiry per the original
// implementation's rule: a fragment re-uploaded with a longer (or no) ttl
// should not be evicted earlier than any upload already promised.
func (m *metaStore) upsert(ctx context.Context, hash wire.Hash, createdAt wire.NanoTimestamp, expiresAt *int64, size int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO fragments (hash, created_at, expires_at, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			expires_at = CASE
				WHEN fragments.expires_at IS NULL OR excluded.expires_at IS NULL THEN NULL
				WHEN fragments.expires_at > excluded.expires_at THEN fragments.expires_at
				ELSE excluded.expires_at
			END,
			size = excluded.size
	`, hash[:], int64(createdAt), expiresAt, size)
	return err
}

// expired returns up to limit hashes whose expiry has passed as of now.
func (m *metaStore) expired(ctx context.Context, now wire.NanoTimestamp, limit int) ([]wire.Hash, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT hash FROM fragments WHERE expires_at IS NOT NULL AND expires_at <= ? LIMIT ?`,
		int64(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h wire.Hash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (m *metaStore) delete(ctx context.Context, hash wire.Hash) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM fragments WHERE hash = ?`, hash[:])
	return err
}
