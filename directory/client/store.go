package client

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS verified_headers (
	height      INTEGER PRIMARY KEY,
	header_cbor BLOB NOT NULL,
	header_hash BLOB NOT NULL
);
`

// store is the client's local record of verified directory headers (spec
// §4.2: "a local SQLite table of verified headers"). Unexported: callers
// only ever see it through Client.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory/client: apply schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error { return s.db.Close() }

// latest returns the highest-height verified header, if any.
func (s *store) latest(ctx context.Context) (wire.DirectoryHeader, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT header_cbor FROM verified_headers ORDER BY height DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return wire.DirectoryHeader{}, false, nil
	}
	if err != nil {
		return wire.DirectoryHeader{}, false, err
	}
	var h wire.DirectoryHeader
	if err := wire.Decode(raw, &h); err != nil {
		return wire.DirectoryHeader{}, false, err
	}
	return h, true, nil
}

// at returns the verified header at height, if present locally.
func (s *store) at(ctx context.Context, height uint64) (wire.DirectoryHeader, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT header_cbor FROM verified_headers WHERE height = ?`, height).Scan(&raw)
	if err == sql.ErrNoRows {
		return wire.DirectoryHeader{}, false, nil
	}
	if err != nil {
		return wire.DirectoryHeader{}, false, err
	}
	var h wire.DirectoryHeader
	if err := wire.Decode(raw, &h); err != nil {
		return wire.DirectoryHeader{}, false, err
	}
	return h, true, nil
}

// appendBatch stores a run of headers whose chain has already been
// verified by the caller, in one transaction.
func (s *store) appendBatch(ctx context.Context, headers []wire.DirectoryHeader, hashes []wire.Hash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for i, h := range headers {
		raw, err := wire.Canonical(h)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verified_headers (height, header_cbor, header_hash) VALUES (?, ?, ?)`,
			h.Height, raw, hashes[i].Bytes()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
