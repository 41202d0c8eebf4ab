// Package wire defines the identifiers, envelopes and timestamps shared by
// every component of the substrate: the directory, the mailbox layer, and
// the client-side pipelines all exchange these types over the wire and hash
// or sign their canonical encoding (see canonical.go).
package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	userNameRe   = regexp.MustCompile(`^@[A-Za-z0-9_]{5,15}$`)
	serverNameRe = regexp.MustCompile(`^~[A-Za-z0-9_]{5,15}$`)
)

// UserName is a global, human-readable user handle, e.g. "@alice01".
type UserName string

// Validate reports whether the user name matches the required grammar.
func (u UserName) Validate() error {
	if !userNameRe.MatchString(string(u)) {
		return fmt.Errorf("invalid user name %q", string(u))
	}
	return nil
}

func (u UserName) String() string { return string(u) }

// ServerName is a global, human-readable home-server handle, e.g. "~serv01".
type ServerName string

// Validate reports whether the server name matches the required grammar.
func (s ServerName) Validate() error {
	if !serverNameRe.MatchString(string(s)) {
		return fmt.Errorf("invalid server name %q", string(s))
	}
	return nil
}

func (s ServerName) String() string { return string(s) }

// GroupId identifies a group chat; it is always the Hash of its GroupDescriptor.
type GroupId Hash

func (g GroupId) String() string { return Hash(g).String() }

// MarshalText renders g as hex, per Hash's convention.
func (g GroupId) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// UnmarshalText reverses MarshalText.
func (g *GroupId) UnmarshalText(b []byte) error {
	var h Hash
	if err := h.UnmarshalText(b); err != nil {
		return err
	}
	*g = GroupId(h)
	return nil
}

// MarshalJSON renders g as a hex string.
func (g GroupId) MarshalJSON() ([]byte, error) { return json.Marshal(g.String()) }

// UnmarshalJSON reverses MarshalJSON.
func (g *GroupId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return g.UnmarshalText([]byte(s))
}

// AuthToken is a 20-byte bearer credential issued by a home server to one of
// its own devices, or the well-known Anonymous value for implicit ACLs.
type AuthToken [20]byte

// Anonymous is the all-zero token used for public, unauthenticated access.
var Anonymous = AuthToken{}

// IsAnonymous reports whether t is the all-zero anonymous token.
func (t AuthToken) IsAnonymous() bool { return t == Anonymous }

// String renders the token as lowercase hex.
func (t AuthToken) String() string { return hex.EncodeToString(t[:]) }

// MarshalText renders t as hex, so it can be used as a JSON-RPC field or
// map key.
func (t AuthToken) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText reverses MarshalText.
func (t *AuthToken) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("wire: decode auth token hex: %w", err)
	}
	if len(decoded) != len(t) {
		return fmt.Errorf("wire: auth token must be %d bytes, got %d", len(t), len(decoded))
	}
	copy(t[:], decoded)
	return nil
}

// MarshalJSON renders t as a hex string.
func (t AuthToken) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

// UnmarshalJSON reverses MarshalJSON.
func (t *AuthToken) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// MailboxId is the opaque 32-byte identifier of a mailbox, derived by
// hashing a domain-separated string (see DirectMailboxId,
// GroupMessagesMailboxId and GroupManagementMailboxId in package mailbox).
type MailboxId Hash

func (m MailboxId) String() string { return Hash(m).String() }

// MarshalText renders m as hex, so it can be used as a JSON-RPC field or
// map key (multirecv's response is keyed by mailbox id).
func (m MailboxId) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText reverses MarshalText.
func (m *MailboxId) UnmarshalText(b []byte) error {
	var h Hash
	if err := h.UnmarshalText(b); err != nil {
		return err
	}
	*m = MailboxId(h)
	return nil
}

// MarshalJSON renders m as a hex string.
func (m MailboxId) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// UnmarshalJSON reverses MarshalJSON.
func (m *MailboxId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}

// ConvoKind distinguishes a direct conversation from a group one.
type ConvoKind int

const (
	ConvoDirect ConvoKind = iota
	ConvoGroup
)

// ConvoId identifies a conversation: either a direct peer or a group.
type ConvoId struct {
	Kind  ConvoKind
	Peer  UserName // set iff Kind == ConvoDirect
	Group GroupId  // set iff Kind == ConvoGroup
}

// DirectConvo builds a ConvoId for a 1:1 conversation with peer.
func DirectConvo(peer UserName) ConvoId {
	return ConvoId{Kind: ConvoDirect, Peer: peer}
}

// GroupConvo builds a ConvoId for a group conversation.
func GroupConvo(g GroupId) ConvoId {
	return ConvoId{Kind: ConvoGroup, Group: g}
}

// String renders a stable, storable representation used as a local store
// primary key fragment.
func (c ConvoId) String() string {
	switch c.Kind {
	case ConvoDirect:
		return "direct:" + string(c.Peer)
	case ConvoGroup:
		return "group:" + c.Group.String()
	default:
		return "unknown"
	}
}
