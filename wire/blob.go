package wire

// Blob is the generic envelope carried by every mailbox entry and directory
// Update(Blob) payload: a short kind tag plus opaque bytes whose
// interpretation depends on that tag.
type Blob struct {
	Kind  string `cbor:"1,keyasint"`
	Inner []byte `cbor:"2,keyasint"`
}

// Well-known blob kinds, per spec §3.
const (
	KindUserDescriptor   = "v1.user_descriptor"
	KindServerDescriptor = "v1.server_descriptor"
	KindDirectMessage    = "v1.direct_message"
	KindMessageContent   = "v1.message_content"
	KindAeadKey          = "v1.aead_key"
	KindGroupMessage     = "v1.group_message"
	KindGroupRekey       = "v1.group_rekey"
	KindGroupManage      = "v1.group_manage"
)

// NewBlob wraps arbitrary canonical-encodable content under kind.
func NewBlob(kind string, v interface{}) (Blob, error) {
	b, err := Canonical(v)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Kind: kind, Inner: b}, nil
}

// Decode unmarshals the blob's inner bytes into v, per the blob's own
// canonical encoding (not a nested Canonical call — Inner already holds a
// canonical encoding produced by NewBlob, a raw AEAD ciphertext, or similar).
func (b Blob) Decode(v interface{}) error {
	return Decode(b.Inner, v)
}

// UserDescriptor binds a user name to a home server and a root device
// public-key hash.
type UserDescriptor struct {
	ServerName    ServerName `cbor:"1,keyasint"`
	RootCertHash  Hash       `cbor:"2,keyasint"`
}

// ServerDescriptor advertises a home server's reachable URLs and its
// stable signing public key.
type ServerDescriptor struct {
	PublicURLs []string `cbor:"1,keyasint"`
	ServerPK   []byte   `cbor:"2,keyasint"`
}

// Recipient identifies who an Event is addressed to: a single user (direct
// conversations, including self-echo) or a group.
type Recipient struct {
	User  *UserName `cbor:"1,keyasint,omitempty"`
	Group *GroupId  `cbor:"2,keyasint,omitempty"`
}

// UserRecipient builds a Recipient addressed to a single user.
func UserRecipient(u UserName) Recipient { return Recipient{User: &u} }

// GroupRecipient builds a Recipient addressed to a group.
func GroupRecipient(g GroupId) Recipient { return Recipient{Group: &g} }

// Equal reports whether two recipients denote the same target.
func (r Recipient) Equal(o Recipient) bool {
	if (r.User == nil) != (o.User == nil) {
		return false
	}
	if r.User != nil && *r.User != *o.User {
		return false
	}
	if (r.Group == nil) != (o.Group == nil) {
		return false
	}
	if r.Group != nil && *r.Group != *o.Group {
		return false
	}
	return true
}

// Event is the inner, kind=v1.message_content payload signed by the sender
// device and ultimately sealed (DM) or symmetric-encrypted (group).
type Event struct {
	Recipient Recipient     `cbor:"1,keyasint"`
	SentAt    NanoTimestamp `cbor:"2,keyasint"`
	Mime      string        `cbor:"3,keyasint"`
	Body      []byte        `cbor:"4,keyasint"`
}

// Fragment is one content-addressed chunk in the attachment collaborator's
// store (spec §6): arbitrary bytes the server never interprets, indexed by
// the BLAKE3 hash of its own canonical encoding. The chunking/tree shape
// above individual fragments belongs to the attachment collaborator, which
// is out of scope here; this type carries only what the RPC surface needs
// to store and return bytes by hash.
type Fragment struct {
	Data []byte `cbor:"1,keyasint"`
}

// AttachmentRef is the minimum an Event.Body needs to point at an
// attachment: its content-addressed root hash plus the display metadata a
// receiver needs before deciding to download it.
type AttachmentRef struct {
	RootHash  Hash   `cbor:"1,keyasint"`
	Filename  string `cbor:"2,keyasint"`
	Mime      string `cbor:"3,keyasint"`
	TotalSize uint64 `cbor:"4,keyasint"`
}
