package wire

// DeviceSigned is the inner, device-signed envelope wrapping one C9 event
// body: a kind=v1.message_content Blob, addressed to a single user or
// group and signed by the sending device (spec §4.6 step 2).
type DeviceSigned struct {
	Sender    UserName `cbor:"1,keyasint"`
	CertChain []byte   `cbor:"2,keyasint"` // canonical CertificateChain
	Body      Blob     `cbor:"3,keyasint"`
	Signature []byte   `cbor:"4,keyasint"`
}

// deviceSignedTuple is the field order the signature covers: (sender,
// cert_chain, body), per original_source's e2ee.rs.
type deviceSignedTuple struct {
	Sender    UserName `cbor:"1,keyasint"`
	CertChain []byte   `cbor:"2,keyasint"`
	Body      Blob     `cbor:"3,keyasint"`
}

// SignedBytes returns the canonical bytes DeviceSigned.Signature covers.
func (d DeviceSigned) SignedBytes() ([]byte, error) {
	return Canonical(deviceSignedTuple{Sender: d.Sender, CertChain: d.CertChain, Body: d.Body})
}

// SignedMediumPK binds a medium-term X25519 public key to a monotonic
// creation timestamp, signed by the owning device's identity key (spec
// §4.4/§4.5).
type SignedMediumPK struct {
	MediumPK  [32]byte      `cbor:"1,keyasint"`
	Created   NanoTimestamp `cbor:"2,keyasint"`
	Signature []byte        `cbor:"3,keyasint"`
}

type signedMediumPKTuple struct {
	MediumPK [32]byte      `cbor:"1,keyasint"`
	Created  NanoTimestamp `cbor:"2,keyasint"`
}

// SignedBytes returns the canonical bytes SignedMediumPK.Signature covers.
func (s SignedMediumPK) SignedBytes() ([]byte, error) {
	return Canonical(signedMediumPKTuple{MediumPK: s.MediumPK, Created: s.Created})
}

// EncryptionHeader is one recipient's sealed copy of a HeaderEncrypted
// message's AEAD key, selected for decryption by the first two bytes of
// hash(recipient_mpk) rather than the full key (spec §4.6 step 4).
type EncryptionHeader struct {
	ReceiverMpkShort [2]byte `cbor:"1,keyasint"`
	ReceiverKey      []byte  `cbor:"2,keyasint"` // sealed AEAD key K
}

// HeaderEncrypted is the wire form of a multi-recipient-sealed direct
// message: one ephemeral DH public key, one sealed-key header per
// recipient device, and the body sealed once under the shared key K.
type HeaderEncrypted struct {
	Epk     [32]byte           `cbor:"1,keyasint"`
	Headers []EncryptionHeader `cbor:"2,keyasint"`
	Body    []byte             `cbor:"3,keyasint"`
}

// headerEncryptedAAD is what the spec calls aad = canonical(epk, headers).
type headerEncryptedAAD struct {
	Epk     [32]byte           `cbor:"1,keyasint"`
	Headers []EncryptionHeader `cbor:"2,keyasint"`
}

// AAD returns the associated data the body ciphertext is bound to.
func (h HeaderEncrypted) AAD() ([]byte, error) {
	return Canonical(headerEncryptedAAD{Epk: h.Epk, Headers: h.Headers})
}
