package wire

// UpdateType is the tagged union of operations a DirectoryUpdate can carry
// against a key's ownership history.
type UpdateType struct {
	AddOwner *[]byte `cbor:"1,keyasint,omitempty"` // Ed25519 public key
	DelOwner *[]byte `cbor:"2,keyasint,omitempty"`
	Update   *Blob   `cbor:"3,keyasint,omitempty"`
}

// AddOwnerUpdate builds an UpdateType adding pk to the owner set.
func AddOwnerUpdate(pk []byte) UpdateType { return UpdateType{AddOwner: &pk} }

// DelOwnerUpdate builds an UpdateType removing pk from the owner set.
func DelOwnerUpdate(pk []byte) UpdateType { return UpdateType{DelOwner: &pk} }

// ContentUpdate builds an UpdateType carrying a new value payload for the key.
func ContentUpdate(b Blob) UpdateType { return UpdateType{Update: &b} }

// DirectoryUpdate is one entry in a key's append-only ownership history.
// Signed by one of the owners current at the time of the update.
type DirectoryUpdate struct {
	PrevUpdateHash Hash       `cbor:"1,keyasint"`
	UpdateType     UpdateType `cbor:"2,keyasint"`
	Signature      []byte     `cbor:"3,keyasint"`
	// SignerPK is the owner public key the Signature verifies under. It is
	// not itself signed (the signature covers PrevUpdateHash+UpdateType
	// only) but is required to pick which current owner to check against.
	SignerPK []byte `cbor:"4,keyasint"`
}

// signedUpdateTuple is what Signature actually commits to.
type signedUpdateTuple struct {
	PrevUpdateHash Hash       `cbor:"1,keyasint"`
	UpdateType     UpdateType `cbor:"2,keyasint"`
}

// SignedBytes returns the canonical bytes the update's signature covers.
func (u DirectoryUpdate) SignedBytes() ([]byte, error) {
	return Canonical(signedUpdateTuple{PrevUpdateHash: u.PrevUpdateHash, UpdateType: u.UpdateType})
}

// DirectoryHeader is one hash-linked link in the directory's chunk chain.
type DirectoryHeader struct {
	PrevHash Hash   `cbor:"1,keyasint"`
	SMTRoot  Hash   `cbor:"2,keyasint"`
	TimeUnix int64  `cbor:"3,keyasint"`
	Height   uint64 `cbor:"4,keyasint"`
}

// DirectoryChunk is the atomic unit of directory commit.
type DirectoryChunk struct {
	Header  DirectoryHeader              `cbor:"1,keyasint"`
	Updates map[string][]DirectoryUpdate `cbor:"2,keyasint"`
}

// Anchor is the directory's signed claim about the tip of its header chain.
type Anchor struct {
	DirectoryID      string `cbor:"1,keyasint"`
	LastHeaderHeight uint64 `cbor:"2,keyasint"`
	LastHeaderHash   Hash   `cbor:"3,keyasint"`
	// Signature is a COSE_Sign1 message over the canonical encoding of the
	// three fields above, produced by the directory's stable Ed25519 key
	// (see directory/server.AnchorSigner).
	Signature []byte `cbor:"4,keyasint"`
}

// anchorTuple is what Anchor.Signature actually commits to.
type anchorTuple struct {
	DirectoryID      string `cbor:"1,keyasint"`
	LastHeaderHeight uint64 `cbor:"2,keyasint"`
	LastHeaderHash   Hash   `cbor:"3,keyasint"`
}

// SignedBytes returns the canonical bytes the anchor's COSE signature covers.
func (a Anchor) SignedBytes() ([]byte, error) {
	return Canonical(anchorTuple{DirectoryID: a.DirectoryID, LastHeaderHeight: a.LastHeaderHeight, LastHeaderHash: a.LastHeaderHash})
}

// DirectoryListing is the derived, replayed state of a key's history: its
// current value (if any) and its current owner set.
type DirectoryListing struct {
	LatestValue *Blob
	Owners      [][]byte
}

// SMTProof is an inclusion or exclusion proof for a key against an SMT root.
// Included is false for an exclusion proof (the key had no committed value
// at the header of record).
type SMTProof struct {
	Included bool
	Siblings []Hash
}

// ItemResponse is the result of v1_get_item(key).
type ItemResponse struct {
	History       []DirectoryUpdate
	ProofHeight   uint64
	MerkleBranch  SMTProof
}

// PoWSeed is a server-issued proof-of-work challenge for a pending insert.
type PoWSeed struct {
	Seed      [32]byte
	UseBefore int64 // unix seconds
	Effort    uint32
}

// PoWSolution is the client's answer to a PoWSeed.
type PoWSolution struct {
	Seed     [32]byte
	Solution []byte
}
