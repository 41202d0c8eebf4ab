package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/nullspace-msg/sealmsg/wire"
)

// SigningKeyPair wraps an Ed25519 key pair. Used by directory owners,
// device identity keys, and the directory's own anchor-signing key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, err
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs msg with the private half of the pair.
func (k SigningKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// PublicKeyHash returns the BLAKE3 hash of the raw public key bytes, used
// as a device's "root_cert_hash"/identity anchor.
func (k SigningKeyPair) PublicKeyHash() wire.Hash {
	return Hash(k.Public)
}

// VerifySignature verifies sig over msg under the raw Ed25519 public key pk.
func VerifySignature(pk []byte, msg []byte, sig []byte) error {
	if len(pk) != ed25519.PublicKeySize {
		return errors.New("xcrypto: bad public key size")
	}
	if !ed25519.Verify(ed25519.PublicKey(pk), msg, sig) {
		return errors.New("xcrypto: signature verification failed")
	}
	return nil
}

// HashOfPublicKey hashes a raw public key, used wherever the spec says
// "hash(c.pk)" or similar for a device/owner public key.
func HashOfPublicKey(pk []byte) wire.Hash {
	return Hash(pk)
}
