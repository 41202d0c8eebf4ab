// Package session implements device authentication (spec §4.4): resolving
// a presented certificate chain against the directory, issuing or reusing
// an AuthToken, and serving devices' chains/medium-term keys back out to
// peers.
package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_tokens (
	username    TEXT NOT NULL,
	device_hash BLOB NOT NULL,
	token       BLOB NOT NULL,
	PRIMARY KEY (username, device_hash)
);
CREATE UNIQUE INDEX IF NOT EXISTS auth_tokens_token ON auth_tokens(token);

CREATE TABLE IF NOT EXISTS device_chains (
	username    TEXT NOT NULL,
	device_hash BLOB NOT NULL,
	chain_cbor  BLOB NOT NULL,
	PRIMARY KEY (username, device_hash)
);

CREATE TABLE IF NOT EXISTS device_medium_pks (
	username    TEXT NOT NULL,
	device_hash BLOB NOT NULL,
	medium_pk   BLOB NOT NULL,
	created     INTEGER NOT NULL,
	signature   BLOB NOT NULL,
	PRIMARY KEY (username, device_hash)
);
`

// Store is the session layer's SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// Open creates or opens the session database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

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

// tokenForDeviceTx looks up (username, device_hash)'s token, reporting
// whether one exists yet.
func tokenForDeviceTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash) (wire.AuthToken, bool, error) {
	var raw []byte
	row := tx.QueryRowContext(ctx, `SELECT token FROM auth_tokens WHERE username = ? AND device_hash = ?`, string(username), deviceHash[:])
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return wire.AuthToken{}, false, nil
		}
		return wire.AuthToken{}, false, err
	}
	var tok wire.AuthToken
	copy(tok[:], raw)
	return tok, true, nil
}

func putTokenTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash, token wire.AuthToken) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO auth_tokens (username, device_hash, token) VALUES (?, ?, ?)`,
		string(username), deviceHash[:], token[:])
	return err
}

func putChainTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash, chainCbor []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_chains (username, device_hash, chain_cbor) VALUES (?, ?, ?)
		 ON CONFLICT(username, device_hash) DO UPDATE SET chain_cbor=excluded.chain_cbor`,
		string(username), deviceHash[:], chainCbor)
	return err
}

// chainForDeviceTx fetches (username, device_hash)'s stored chain, if any.
func chainForDeviceTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash) ([]byte, bool, error) {
	var raw []byte
	row := tx.QueryRowContext(ctx, `SELECT chain_cbor FROM device_chains WHERE username = ? AND device_hash = ?`, string(username), deviceHash[:])
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// deviceByTokenTx resolves an AuthToken back to (username, device_hash).
func deviceByTokenTx(ctx context.Context, tx *sql.Tx, token wire.AuthToken) (wire.UserName, wire.Hash, bool, error) {
	var username string
	var deviceHash []byte
	row := tx.QueryRowContext(ctx, `SELECT username, device_hash FROM auth_tokens WHERE token = ?`, token[:])
	if err := row.Scan(&username, &deviceHash); err != nil {
		if err == sql.ErrNoRows {
			return "", wire.Hash{}, false, nil
		}
		return "", wire.Hash{}, false, err
	}
	var h wire.Hash
	copy(h[:], deviceHash)
	return wire.UserName(username), h, true, nil
}

func putMediumPKTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash, signed wire.SignedMediumPK) error {
	raw, err := wire.Canonical(signed)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_medium_pks (username, device_hash, medium_pk, created, signature) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(username, device_hash) DO UPDATE SET medium_pk=excluded.medium_pk, created=excluded.created, signature=excluded.signature`,
		string(username), deviceHash[:], raw, int64(signed.Created), signed.Signature)
	return err
}

func mediumPKTx(ctx context.Context, tx *sql.Tx, username wire.UserName, deviceHash wire.Hash) (wire.SignedMediumPK, bool, error) {
	var raw []byte
	row := tx.QueryRowContext(ctx, `SELECT medium_pk FROM device_medium_pks WHERE username = ? AND device_hash = ?`, string(username), deviceHash[:])
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return wire.SignedMediumPK{}, false, nil
		}
		return wire.SignedMediumPK{}, false, err
	}
	var signed wire.SignedMediumPK
	if err := wire.Decode(raw, &signed); err != nil {
		return wire.SignedMediumPK{}, false, err
	}
	return signed, true, nil
}

// chains returns every stored chain for username, keyed by device_hash, so
// a caller can check a decoded chain's own computed device hash against
// the key it was filed under (spec §4.5's "hash(last_device.pk) matches
// the map key" check).
func (s *Store) chains(ctx context.Context, username wire.UserName) (map[wire.Hash][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_hash, chain_cbor FROM device_chains WHERE username = ?`, string(username))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[wire.Hash][]byte)
	for rows.Next() {
		var deviceHashRaw, raw []byte
		if err := rows.Scan(&deviceHashRaw, &raw); err != nil {
			return nil, err
		}
		var h wire.Hash
		copy(h[:], deviceHashRaw)
		out[h] = raw
	}
	return out, rows.Err()
}

// mediumPKs returns every stored SignedMediumPK for username, keyed by
// device_hash, matching the keying chains() uses.
func (s *Store) mediumPKs(ctx context.Context, username wire.UserName) (map[wire.Hash]wire.SignedMediumPK, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_hash, medium_pk FROM device_medium_pks WHERE username = ?`, string(username))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[wire.Hash]wire.SignedMediumPK)
	for rows.Next() {
		var deviceHashRaw, raw []byte
		if err := rows.Scan(&deviceHashRaw, &raw); err != nil {
			return nil, err
		}
		var signed wire.SignedMediumPK
		if err := wire.Decode(raw, &signed); err != nil {
			return nil, err
		}
		var h wire.Hash
		copy(h[:], deviceHashRaw)
		out[h] = signed
	}
	return out, rows.Err()
}
