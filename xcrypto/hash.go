// Package xcrypto implements the cryptographic primitives used throughout
// the substrate: BLAKE3 hashing, Ed25519 signing, X25519 Diffie-Hellman,
// a 192-bit-nonce AEAD, and a sparse Merkle tree store for the directory.
//
// No pack example ships a BLAKE3 implementation, so this package takes a
// new dependency on lukechampine.com/blake3, the standard pure-Go BLAKE3
// library; everything else here is built on golang.org/x/crypto, already an
// indirect dependency of the teacher repo.
package xcrypto

import (
	"github.com/nullspace-msg/sealmsg/wire"
	"lukechampine.com/blake3"
)

// Hash computes the BLAKE3 digest of msg.
func Hash(msg []byte) wire.Hash {
	sum := blake3.Sum256(msg)
	return wire.Hash(sum)
}

// HashCanonical canonically encodes v and hashes the result — the
// "BLAKE3 of a canonical binary encoding" the spec describes for every
// hash computed over a structured value.
func HashCanonical(v interface{}) (wire.Hash, error) {
	b, err := wire.Canonical(v)
	if err != nil {
		return wire.Hash{}, err
	}
	return Hash(b), nil
}

// MustHashCanonical is HashCanonical but panics on encode failure.
func MustHashCanonical(v interface{}) wire.Hash {
	h, err := HashCanonical(v)
	if err != nil {
		panic("xcrypto: canonical hash: " + err.Error())
	}
	return h
}

// KeyedHash computes a keyed BLAKE3 hash of msg, keyed by the BLAKE3 hash
// of key. Mailbox ids are derived with DomainHash, not with this.
func KeyedHash(key []byte, msg []byte) wire.Hash {
	keyHash := blake3.Sum256(key)
	h := blake3.New(32, keyHash[:])
	h.Write(msg)
	var out wire.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DomainHash hashes domain||payload, matching the spec's
// "BLAKE3 with one of the domain strings" construction for mailbox ids.
func DomainHash(domain string, payload []byte) wire.Hash {
	buf := make([]byte, 0, len(domain)+len(payload))
	buf = append(buf, domain...)
	buf = append(buf, payload...)
	return Hash(buf)
}
