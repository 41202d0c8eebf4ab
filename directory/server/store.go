package server

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

// schema lays out the directory's five tables. A single sql.DB with
// MaxOpenConns(1) gives the directory the single-writer semantics §4.1
// requires without a separate locking layer: SQLite itself serializes
// every statement issued against the one open connection.
const schema = `
CREATE TABLE IF NOT EXISTS pow_seeds (
	seed       BLOB PRIMARY KEY,
	use_before INTEGER NOT NULL,
	effort     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS staging_updates (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	key         TEXT NOT NULL,
	update_cbor BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS staging_updates_key ON staging_updates(key);

CREATE TABLE IF NOT EXISTS committed_updates (
	key          TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	update_cbor  BLOB NOT NULL,
	chunk_height INTEGER NOT NULL,
	PRIMARY KEY (key, seq)
);

CREATE TABLE IF NOT EXISTS headers (
	height      INTEGER PRIMARY KEY,
	header_cbor BLOB NOT NULL,
	header_hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	height     INTEGER PRIMARY KEY,
	chunk_cbor BLOB NOT NULL
);
`

// Store is the directory server's SQLite-backed persistence layer. No pack
// example reaches for SQLite directly; it's a new dependency on
// github.com/mattn/go-sqlite3 behind database/sql, justified in DESIGN.md
// since the spec names SQLite explicitly for every server-side store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the directory database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory/server: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Keys returns every key with at least one committed update, used to
// rebuild the in-memory sparse Merkle tree on startup.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM committed_updates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// committedHistoryTx is CommittedHistory scoped to an in-flight transaction.
func committedHistoryTx(ctx context.Context, tx *sql.Tx, key string) ([]wire.DirectoryUpdate, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT update_cbor FROM committed_updates WHERE key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpdates(rows)
}

// PutPoWSeed persists a freshly generated seed.
func (s *Store) PutPoWSeed(ctx context.Context, seed wire.PoWSeed) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pow_seeds (seed, use_before, effort) VALUES (?, ?, ?)`,
		seed.Seed[:], seed.UseBefore, seed.Effort)
	return err
}

// ConsumePoWSeed fetches and deletes the seed in one statement pair so a
// solution can only ever be accepted once against it.
func (s *Store) ConsumePoWSeed(ctx context.Context, seedBytes [32]byte) (wire.PoWSeed, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.PoWSeed{}, false, err
	}
	defer tx.Rollback()

	var useBefore int64
	var effort uint32
	err = tx.QueryRowContext(ctx, `SELECT use_before, effort FROM pow_seeds WHERE seed = ?`, seedBytes[:]).
		Scan(&useBefore, &effort)
	if err == sql.ErrNoRows {
		return wire.PoWSeed{}, false, nil
	}
	if err != nil {
		return wire.PoWSeed{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pow_seeds WHERE seed = ?`, seedBytes[:]); err != nil {
		return wire.PoWSeed{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return wire.PoWSeed{}, false, err
	}
	return wire.PoWSeed{Seed: seedBytes, UseBefore: useBefore, Effort: effort}, true, nil
}

// PurgeExpiredSeeds deletes every seed whose use_before has passed nowUnix.
func (s *Store) PurgeExpiredSeeds(ctx context.Context, nowUnix int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pow_seeds WHERE use_before < ?`, nowUnix)
	return err
}

// CommittedHistory loads key's fully committed update history, in order.
func (s *Store) CommittedHistory(ctx context.Context, key string) ([]wire.DirectoryUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT update_cbor FROM committed_updates WHERE key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpdates(rows)
}

// StagingHistory loads key's not-yet-committed updates, in insertion order.
func (s *Store) StagingHistory(ctx context.Context, key string) ([]wire.DirectoryUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT update_cbor FROM staging_updates WHERE key = ? ORDER BY id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpdates(rows)
}

func scanUpdates(rows *sql.Rows) ([]wire.DirectoryUpdate, error) {
	var out []wire.DirectoryUpdate
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var u wire.DirectoryUpdate
		if err := wire.Decode(raw, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AppendStaging adds u to key's staging queue.
func (s *Store) AppendStaging(ctx context.Context, key string, u wire.DirectoryUpdate) error {
	raw, err := wire.Canonical(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO staging_updates (key, update_cbor) VALUES (?, ?)`, key, raw)
	return err
}

// drainStagingTx returns every staged update grouped by key, keyed in
// insertion order, and deletes them, all within tx so a concurrent insert
// attempt either lands entirely before or entirely after this drain.
func drainStagingTx(ctx context.Context, tx *sql.Tx) (map[string][]wire.DirectoryUpdate, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, update_cbor FROM staging_updates ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]wire.DirectoryUpdate)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		var u wire.DirectoryUpdate
		if err := wire.Decode(raw, &u); err != nil {
			rows.Close()
			return nil, err
		}
		out[key] = append(out[key], u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if _, err := tx.ExecContext(ctx, `DELETE FROM staging_updates`); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestHeader returns the highest-height committed header, if any.
func (s *Store) LatestHeader(ctx context.Context) (wire.DirectoryHeader, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT header_cbor FROM headers ORDER BY height DESC LIMIT 1`).Scan(&raw)
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

// HeaderRange returns headers with height in [first, last], inclusive.
func (s *Store) HeaderRange(ctx context.Context, first, last uint64) ([]wire.DirectoryHeader, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT header_cbor FROM headers WHERE height >= ? AND height <= ? ORDER BY height ASC`, first, last)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wire.DirectoryHeader
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h wire.DirectoryHeader
		if err := wire.Decode(raw, &h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Chunk returns the committed chunk at height, if any.
func (s *Store) Chunk(ctx context.Context, height uint64) (wire.DirectoryChunk, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT chunk_cbor FROM chunks WHERE height = ?`, height).Scan(&raw)
	if err == sql.ErrNoRows {
		return wire.DirectoryChunk{}, false, nil
	}
	if err != nil {
		return wire.DirectoryChunk{}, false, err
	}
	var c wire.DirectoryChunk
	if err := wire.Decode(raw, &c); err != nil {
		return wire.DirectoryChunk{}, false, err
	}
	return c, true, nil
}
