// Package identity implements the client-side identity singleton and peer
// info cache (spec §4.5): the one record describing "who am I" on this
// device, and a TTL'd cache of what this client currently believes about
// its peers' device chains and medium-term keys.
package identity

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS client_identity (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	username          TEXT NOT NULL,
	server_name       TEXT NOT NULL,
	device_secret     BLOB NOT NULL,
	cert_chain        BLOB NOT NULL,
	medium_sk_current BLOB NOT NULL,
	medium_sk_prev    BLOB
);

CREATE TABLE IF NOT EXISTS peer_info_cache (
	username     TEXT PRIMARY KEY,
	server_name  TEXT NOT NULL,
	chains_cbor  BLOB NOT NULL,
	mpks_cbor    BLOB NOT NULL,
	refreshed_at INTEGER NOT NULL
);
`

// Store is the identity singleton's and peer cache's SQLite persistence.
type Store struct {
	db *sql.DB
}

// Open creates or opens the identity database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// record is the raw row shape client_identity persists.
type record struct {
	Username        wire.UserName
	ServerName      wire.ServerName
	DeviceSecret    []byte // canonical xcrypto.SigningKeyPair (the device's Ed25519 keys)
	CertChain       []byte // canonical certs.CertificateChain
	MediumSKCurrent [32]byte
	MediumSKPrev    *[32]byte
}

func (s *Store) load(ctx context.Context) (record, bool, error) {
	var rec record
	var prev []byte
	var current []byte
	row := s.db.QueryRowContext(ctx, `SELECT username, server_name, device_secret, cert_chain, medium_sk_current, medium_sk_prev FROM client_identity WHERE id = 1`)
	if err := row.Scan(&rec.Username, &rec.ServerName, &rec.DeviceSecret, &rec.CertChain, &current, &prev); err != nil {
		if err == sql.ErrNoRows {
			return record{}, false, nil
		}
		return record{}, false, err
	}
	copy(rec.MediumSKCurrent[:], current)
	if prev != nil {
		var p [32]byte
		copy(p[:], prev)
		rec.MediumSKPrev = &p
	}
	return rec, true, nil
}

func (s *Store) save(ctx context.Context, rec record) error {
	var prev []byte
	if rec.MediumSKPrev != nil {
		prev = rec.MediumSKPrev[:]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_identity (id, username, server_name, device_secret, cert_chain, medium_sk_current, medium_sk_prev)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username, server_name=excluded.server_name,
		   device_secret=excluded.device_secret, cert_chain=excluded.cert_chain,
		   medium_sk_current=excluded.medium_sk_current, medium_sk_prev=excluded.medium_sk_prev`,
		string(rec.Username), string(rec.ServerName), rec.DeviceSecret, rec.CertChain, rec.MediumSKCurrent[:], prev)
	return err
}

// devicePK pairs a SignedMediumPK with the device_hash the peer's server
// filed it under (see refreshPeer), so merges can be
// done per-device as spec §4.5 requires even though SignedMediumPK itself
// carries no device identifier.
type devicePK struct {
	DeviceHash wire.Hash           `cbor:"1,keyasint"`
	Signed     wire.SignedMediumPK `cbor:"2,keyasint"`
}

// cachedPeer is one peer_info_cache row.
type cachedPeer struct {
	ServerName  wire.ServerName
	Chains      []certs.CertificateChain
	MediumPKs   map[wire.Hash]wire.SignedMediumPK // keyed by hash(device pk)
	RefreshedAt wire.NanoTimestamp
}

func (s *Store) loadPeer(ctx context.Context, username wire.UserName) (cachedPeer, bool, error) {
	var serverName string
	var chainsRaw, mpksRaw []byte
	var refreshedAt int64
	row := s.db.QueryRowContext(ctx, `SELECT server_name, chains_cbor, mpks_cbor, refreshed_at FROM peer_info_cache WHERE username = ?`, string(username))
	if err := row.Scan(&serverName, &chainsRaw, &mpksRaw, &refreshedAt); err != nil {
		if err == sql.ErrNoRows {
			return cachedPeer{}, false, nil
		}
		return cachedPeer{}, false, err
	}
	var chains []certs.CertificateChain
	if err := wire.Decode(chainsRaw, &chains); err != nil {
		return cachedPeer{}, false, err
	}
	var pairs []devicePK
	if err := wire.Decode(mpksRaw, &pairs); err != nil {
		return cachedPeer{}, false, err
	}
	mpks := make(map[wire.Hash]wire.SignedMediumPK, len(pairs))
	for _, p := range pairs {
		mpks[p.DeviceHash] = p.Signed
	}
	return cachedPeer{ServerName: wire.ServerName(serverName), Chains: chains, MediumPKs: mpks, RefreshedAt: wire.NanoTimestamp(refreshedAt)}, true, nil
}

func (s *Store) savePeer(ctx context.Context, username wire.UserName, peer cachedPeer) error {
	chainsRaw, err := wire.Canonical(peer.Chains)
	if err != nil {
		return err
	}
	pairs := make([]devicePK, 0, len(peer.MediumPKs))
	for deviceHash, m := range peer.MediumPKs {
		pairs = append(pairs, devicePK{DeviceHash: deviceHash, Signed: m})
	}
	mpksRaw, err := wire.Canonical(pairs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO peer_info_cache (username, server_name, chains_cbor, mpks_cbor, refreshed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET server_name=excluded.server_name, chains_cbor=excluded.chains_cbor, mpks_cbor=excluded.mpks_cbor, refreshed_at=excluded.refreshed_at`,
		string(username), string(peer.ServerName), chainsRaw, mpksRaw, int64(peer.RefreshedAt))
	return err
}
