// Package store implements the client-side local SQLite schema (spec
// §4.11) for conversations, messages, groups, and per-mailbox receive
// cursors. Client identity and the peer info cache live in package
// identity instead, since they have their own singleton/TTL semantics
// distinct from this package's conversation and group bookkeeping.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nullspace-msg/sealmsg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS convos (
	id                 TEXT PRIMARY KEY,
	convo_type         INTEGER NOT NULL,
	convo_counterparty TEXT NOT NULL,
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS convo_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	convo_id        TEXT NOT NULL,
	sender_username TEXT NOT NULL,
	mime            TEXT NOT NULL,
	body            BLOB NOT NULL,
	sent_at         INTEGER NOT NULL,
	received_at     INTEGER,
	send_error      TEXT
);
CREATE INDEX IF NOT EXISTS convo_messages_convo ON convo_messages(convo_id, received_at);
CREATE INDEX IF NOT EXISTS convo_messages_pending ON convo_messages(received_at, send_error);

CREATE TABLE IF NOT EXISTS groups (
	group_id          BLOB PRIMARY KEY,
	descriptor        BLOB NOT NULL,
	server_name       TEXT NOT NULL,
	token             BLOB NOT NULL,
	group_key_current BLOB NOT NULL,
	group_key_prev    BLOB NOT NULL,
	roster_version    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id BLOB NOT NULL,
	username TEXT NOT NULL,
	is_admin INTEGER NOT NULL,
	status   INTEGER NOT NULL,
	PRIMARY KEY (group_id, username)
);

CREATE TABLE IF NOT EXISTS mailbox_state (
	server_name     TEXT NOT NULL,
	mailbox_id      BLOB NOT NULL,
	after_timestamp INTEGER NOT NULL,
	PRIMARY KEY (server_name, mailbox_id)
);
`

// Store is the client's local SQLite persistence.
type Store struct {
	db *sql.DB
}

// Open creates or opens the client database at path and applies schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
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

// EnsureConvo inserts convo if it's not already on file.
func (s *Store) EnsureConvo(ctx context.Context, id wire.ConvoId, createdAt wire.NanoTimestamp) error {
	counterparty := string(id.Peer)
	if id.Kind == wire.ConvoGroup {
		counterparty = id.Group.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO convos (id, convo_type, convo_counterparty, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id.String(), int(id.Kind), counterparty, int64(createdAt))
	return err
}

// ConvoMessage is one row of convo_messages.
type ConvoMessage struct {
	ID             int64
	ConvoId        wire.ConvoId
	SenderUsername wire.UserName
	Mime           string
	Body           []byte
	SentAt         wire.NanoTimestamp
	ReceivedAt     *wire.NanoTimestamp
	SendError      *string
}

// InsertPending records a not-yet-sent outgoing message (spec §4.10: a row
// with received_at = NULL and send_error = NULL is the pending queue).
func (s *Store) InsertPending(ctx context.Context, convo wire.ConvoId, sender wire.UserName, mime string, body []byte, sentAt wire.NanoTimestamp) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO convo_messages (convo_id, sender_username, mime, body, sent_at, received_at, send_error) VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
		convo.String(), string(sender), mime, body, int64(sentAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextPending returns the oldest row with received_at IS NULL AND
// send_error IS NULL, the send queue's selection rule (spec §4.10).
func (s *Store) NextPending(ctx context.Context) (ConvoMessage, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, convo_id, sender_username, mime, body, sent_at FROM convo_messages
		 WHERE received_at IS NULL AND send_error IS NULL ORDER BY id ASC LIMIT 1`)
	var m ConvoMessage
	var convoIdStr, sender string
	var sentAt int64
	if err := row.Scan(&m.ID, &convoIdStr, &sender, &m.Mime, &m.Body, &sentAt); err != nil {
		if err == sql.ErrNoRows {
			return ConvoMessage{}, false, nil
		}
		return ConvoMessage{}, false, err
	}
	m.SenderUsername = wire.UserName(sender)
	m.SentAt = wire.NanoTimestamp(sentAt)
	m.ConvoId, _ = parseConvoId(convoIdStr, sender)
	return m, true, nil
}

// parseConvoId reconstructs the minimal ConvoId fields this package needs
// back out of ConvoId.String()'s "direct:"/"group:" prefix convention.
func parseConvoId(s string, fallbackPeer string) (wire.ConvoId, error) {
	switch {
	case len(s) > 7 && s[:7] == "direct:":
		return wire.DirectConvo(wire.UserName(s[7:])), nil
	case len(s) > 6 && s[:6] == "group:":
		var h wire.Hash
		if err := h.UnmarshalText([]byte(s[6:])); err != nil {
			return wire.ConvoId{}, err
		}
		return wire.GroupConvo(wire.GroupId(h)), nil
	default:
		return wire.ConvoId{}, fmt.Errorf("store: unrecognized convo id %q", s)
	}
}

// MarkSent completes a pending row with the server-assigned received_at.
func (s *Store) MarkSent(ctx context.Context, id int64, receivedAt wire.NanoTimestamp) error {
	_, err := s.db.ExecContext(ctx, `UPDATE convo_messages SET received_at = ? WHERE id = ?`, int64(receivedAt), id)
	return err
}

// MarkFailed records a permanent send failure and clears pending status,
// per spec §4.10: "send_error is set and received_at is set to now so
// that the row exits the pending state deterministically."
func (s *Store) MarkFailed(ctx context.Context, id int64, now wire.NanoTimestamp, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE convo_messages SET received_at = ?, send_error = ? WHERE id = ?`, int64(now), reason, id)
	return err
}

// DeletePending removes a pending row outright. The send queue never calls
// it: both send pipelines learn received_at from the send itself.
func (s *Store) DeletePending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM convo_messages WHERE id = ?`, id)
	return err
}

// InsertReceived persists an arriving message, deduplicating on
// (convo_id, sender_username, sent_at) so a redelivered or self-echoed
// entry never produces two rows.
func (s *Store) InsertReceived(ctx context.Context, convo wire.ConvoId, sender wire.UserName, mime string, body []byte, sentAt, receivedAt wire.NanoTimestamp) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM convo_messages WHERE convo_id = ? AND sender_username = ? AND sent_at = ?`,
			convo.String(), string(sender), int64(sentAt))
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO convo_messages (convo_id, sender_username, mime, body, sent_at, received_at, send_error) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			convo.String(), string(sender), mime, body, int64(sentAt), int64(receivedAt))
		return err
	})
}

// PersistDirectMessage implements the receive-side commit spec §4.7 step 4
// describes: dedup-insert the arriving message and advance the mailbox
// cursor in one transaction, so a crash between the two can never leave
// the cursor ahead of what's actually stored.
func (s *Store) PersistDirectMessage(ctx context.Context, serverName wire.ServerName, mailboxId wire.MailboxId, convo wire.ConvoId, sender wire.UserName, mime string, body []byte, sentAt, receivedAt wire.NanoTimestamp) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM convo_messages WHERE convo_id = ? AND sender_username = ? AND sent_at = ?`,
			convo.String(), string(sender), int64(sentAt))
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO convo_messages (convo_id, sender_username, mime, body, sent_at, received_at, send_error) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
				convo.String(), string(sender), mime, body, int64(sentAt), int64(receivedAt)); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mailbox_state (server_name, mailbox_id, after_timestamp) VALUES (?, ?, ?)
			 ON CONFLICT(server_name, mailbox_id) DO UPDATE SET after_timestamp = excluded.after_timestamp`,
			string(serverName), mailboxId[:], int64(receivedAt))
		return err
	})
}

// Messages returns every message in convo, oldest first, for tests and
// the UI-facing read path.
func (s *Store) Messages(ctx context.Context, convo wire.ConvoId) ([]ConvoMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_username, mime, body, sent_at, received_at, send_error FROM convo_messages
		 WHERE convo_id = ? ORDER BY received_at IS NULL, received_at ASC, id ASC`, convo.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConvoMessage
	for rows.Next() {
		var m ConvoMessage
		var sender string
		var sentAt int64
		var receivedAt sql.NullInt64
		var sendErr sql.NullString
		if err := rows.Scan(&m.ID, &sender, &m.Mime, &m.Body, &sentAt, &receivedAt, &sendErr); err != nil {
			return nil, err
		}
		m.ConvoId = convo
		m.SenderUsername = wire.UserName(sender)
		m.SentAt = wire.NanoTimestamp(sentAt)
		if receivedAt.Valid {
			r := wire.NanoTimestamp(receivedAt.Int64)
			m.ReceivedAt = &r
		}
		if sendErr.Valid {
			e := sendErr.String
			m.SendError = &e
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MailboxCursor returns (server_name, mailbox_id)'s after_timestamp,
// defaulting to 0 (spec §4.7: "Boot the mailbox cursor ... initially 0").
func (s *Store) MailboxCursor(ctx context.Context, serverName wire.ServerName, mailbox wire.MailboxId) (wire.NanoTimestamp, error) {
	var after int64
	row := s.db.QueryRowContext(ctx, `SELECT after_timestamp FROM mailbox_state WHERE server_name = ? AND mailbox_id = ?`, string(serverName), mailbox[:])
	if err := row.Scan(&after); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return wire.NanoTimestamp(after), nil
}

// AdvanceMailboxCursor upserts (server_name, mailbox_id)'s after_timestamp.
func (s *Store) AdvanceMailboxCursor(ctx context.Context, serverName wire.ServerName, mailbox wire.MailboxId, after wire.NanoTimestamp) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox_state (server_name, mailbox_id, after_timestamp) VALUES (?, ?, ?)
		 ON CONFLICT(server_name, mailbox_id) DO UPDATE SET after_timestamp = excluded.after_timestamp`,
		string(serverName), mailbox[:], int64(after))
	return err
}

// Group is one row of the groups table.
type Group struct {
	GroupId         wire.GroupId
	Descriptor      []byte
	ServerName      wire.ServerName
	Token           wire.AuthToken
	GroupKeyCurrent [32]byte
	GroupKeyPrev    [32]byte
	RosterVersion   int64
}

// SaveGroup upserts a group record.
func (s *Store) SaveGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, descriptor, server_name, token, group_key_current, group_key_prev, roster_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET descriptor=excluded.descriptor, server_name=excluded.server_name,
		   token=excluded.token, group_key_current=excluded.group_key_current, group_key_prev=excluded.group_key_prev,
		   roster_version=excluded.roster_version`,
		g.GroupId[:], g.Descriptor, string(g.ServerName), g.Token[:], g.GroupKeyCurrent[:], g.GroupKeyPrev[:], g.RosterVersion)
	return err
}

// LoadGroup fetches a group record by id.
func (s *Store) LoadGroup(ctx context.Context, id wire.GroupId) (Group, bool, error) {
	var g Group
	var groupId, token, current, prev []byte
	var serverName string
	row := s.db.QueryRowContext(ctx,
		`SELECT group_id, descriptor, server_name, token, group_key_current, group_key_prev, roster_version FROM groups WHERE group_id = ?`, id[:])
	if err := row.Scan(&groupId, &g.Descriptor, &serverName, &token, &current, &prev, &g.RosterVersion); err != nil {
		if err == sql.ErrNoRows {
			return Group{}, false, nil
		}
		return Group{}, false, err
	}
	copy(g.GroupId[:], groupId)
	g.ServerName = wire.ServerName(serverName)
	copy(g.Token[:], token)
	copy(g.GroupKeyCurrent[:], current)
	copy(g.GroupKeyPrev[:], prev)
	return g, true, nil
}

// AllGroups returns every group on file, for the roster/recv supervisor to
// spawn one task per group (spec §5).
func (s *Store) AllGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM groups`)
	if err != nil {
		return nil, err
	}
	var ids []wire.GroupId
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		var h wire.Hash
		copy(h[:], raw)
		ids = append(ids, wire.GroupId(h))
	}
	rows.Close()
	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, ok, err := s.LoadGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// Member is one row of group_members.
type Member struct {
	Username wire.UserName
	IsAdmin  bool
	Status   int
}

// SaveRoster replaces a group's member set in one transaction, the shape
// every roster transition (spec §4.8) commits atomically.
func (s *Store) SaveRoster(ctx context.Context, group wire.GroupId, version int64, members []Member) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, group[:]); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO group_members (group_id, username, is_admin, status) VALUES (?, ?, ?, ?)`,
				group[:], string(m.Username), boolToInt(m.IsAdmin), m.Status); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE groups SET roster_version = ? WHERE group_id = ?`, version, group[:])
		return err
	})
}

// Roster returns a group's current member set.
func (s *Store) Roster(ctx context.Context, group wire.GroupId) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, is_admin, status FROM group_members WHERE group_id = ?`, group[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		var username string
		var isAdmin int
		if err := rows.Scan(&username, &isAdmin, &m.Status); err != nil {
			return nil, err
		}
		m.Username = wire.UserName(username)
		m.IsAdmin = isAdmin != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
