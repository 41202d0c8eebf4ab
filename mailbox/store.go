package mailbox

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

// schema lays out the mailbox layer's three tables, per spec §4.3.
// MaxOpenConns(1) gives every mailbox the single-writer-per-mailbox
// discipline §5 requires without a separate application lock.
const schema = `
CREATE TABLE IF NOT EXISTS mailboxes (
	mailbox_id BLOB PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS entries (
	mailbox_id    BLOB NOT NULL,
	entry_id      INTEGER NOT NULL,
	message_cbor  BLOB NOT NULL,
	received_at   INTEGER NOT NULL,
	sender_hash   BLOB,
	expires_at    INTEGER,
	PRIMARY KEY (mailbox_id, entry_id)
);
CREATE INDEX IF NOT EXISTS entries_order ON entries(mailbox_id, received_at, entry_id);
CREATE INDEX IF NOT EXISTS entries_expiry ON entries(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS acls (
	mailbox_id BLOB NOT NULL,
	token_hash BLOB NOT NULL,
	can_edit_acl INTEGER NOT NULL,
	can_send     INTEGER NOT NULL,
	can_recv     INTEGER NOT NULL,
	PRIMARY KEY (mailbox_id, token_hash)
);
`

// Store is the mailbox layer's SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// Open creates or opens the mailbox database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mailbox: apply schema: %w", err)
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

// ensureMailboxTx inserts mailbox_id if it doesn't already exist.
func ensureMailboxTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO mailboxes (mailbox_id) VALUES (?)`, id[:])
	return err
}

// aclTx fetches the ACL bits for (mailbox, tokenHash), reporting whether a
// row exists.
func aclTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId, tokenHash wire.Hash) (wire.ACLBits, bool, error) {
	var bits wire.ACLBits
	row := tx.QueryRowContext(ctx,
		`SELECT can_edit_acl, can_send, can_recv FROM acls WHERE mailbox_id = ? AND token_hash = ?`,
		id[:], tokenHash[:])
	if err := row.Scan(&bits.CanEditACL, &bits.CanSend, &bits.CanRecv); err != nil {
		if err == sql.ErrNoRows {
			return wire.ACLBits{}, false, nil
		}
		return wire.ACLBits{}, false, err
	}
	return bits, true, nil
}

// putACLTx inserts or overwrites the ACL row for (mailbox, tokenHash).
func putACLTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId, tokenHash wire.Hash, bits wire.ACLBits) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO acls (mailbox_id, token_hash, can_edit_acl, can_send, can_recv) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(mailbox_id, token_hash) DO UPDATE SET can_edit_acl=excluded.can_edit_acl, can_send=excluded.can_send, can_recv=excluded.can_recv`,
		id[:], tokenHash[:], bits.CanEditACL, bits.CanSend, bits.CanRecv)
	return err
}

// delACLTx removes the ACL row for (mailbox, tokenHash), if any.
func delACLTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId, tokenHash wire.Hash) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM acls WHERE mailbox_id = ? AND token_hash = ?`, id[:], tokenHash[:])
	return err
}

// nextEntryIdTx returns one past the highest entry_id currently stored for
// mailbox, or 0 if empty.
func nextEntryIdTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId) (int64, error) {
	var max sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(entry_id) FROM entries WHERE mailbox_id = ?`, id[:])
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

// insertEntryTx appends entry to mailbox.
func insertEntryTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId, entry wire.MailboxEntry, expiresAt *int64) error {
	raw, err := wire.Canonical(entry.Message)
	if err != nil {
		return err
	}
	var senderHash []byte
	if entry.SenderAuthTokenHash != nil {
		senderHash = entry.SenderAuthTokenHash[:]
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (mailbox_id, entry_id, message_cbor, received_at, sender_hash, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id[:], entry.EntryId, raw, int64(entry.ReceivedAt), senderHash, expiresAt)
	return err
}

// entriesAfter loads up to limit entries for mailbox with received_at >
// after, ordered by (received_at, entry_id).
func (s *Store) entriesAfter(ctx context.Context, id wire.MailboxId, after wire.NanoTimestamp, limit int) ([]wire.MailboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, message_cbor, received_at, sender_hash FROM entries
		 WHERE mailbox_id = ? AND received_at > ?
		 ORDER BY received_at, entry_id LIMIT ?`,
		id[:], int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.MailboxEntry
	for rows.Next() {
		var e wire.MailboxEntry
		var raw []byte
		var receivedAt int64
		var senderHash []byte
		if err := rows.Scan(&e.EntryId, &raw, &receivedAt, &senderHash); err != nil {
			return nil, err
		}
		if err := wire.Decode(raw, &e.Message); err != nil {
			return nil, err
		}
		e.ReceivedAt = wire.NanoTimestamp(receivedAt)
		if senderHash != nil {
			var h wire.Hash
			copy(h[:], senderHash)
			e.SenderAuthTokenHash = &h
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// deleteExpired deletes every entry whose expires_at has passed as of now,
// returning the count removed.
func (s *Store) deleteExpired(ctx context.Context, now wire.NanoTimestamp) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, int64(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
