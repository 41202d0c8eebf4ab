package xcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// AeadKey is a 32-byte symmetric key for the module's single AEAD
// construction, XChaCha20-Poly1305 (192-bit/24-byte nonces).
type AeadKey [32]byte

// GenerateAeadKey creates a fresh random AEAD key.
func GenerateAeadKey() (AeadKey, error) {
	var k AeadKey
	if _, err := rand.Read(k[:]); err != nil {
		return AeadKey{}, err
	}
	return k, nil
}

// NonceSize is the XChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// ZeroNonce is the all-zero nonce used by the HeaderEncrypted construction,
// where key uniqueness per message (a fresh AeadKey every send) is the
// security boundary instead of nonce uniqueness.
var ZeroNonce = [NonceSize]byte{}

// Seal encrypts plaintext under key with the given nonce and associated data.
func (k AeadKey) Seal(nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext under key with the given nonce and associated data.
func (k AeadKey) Open(nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, errors.New("xcrypto: aead open failed")
	}
	return pt, nil
}

// SealRandomNonce encrypts plaintext under a freshly sampled random nonce
// and returns nonce||ciphertext, the convention used for group messages
// (spec §4.8: "a fresh 24-byte random nonce").
func (k AeadKey) SealRandomNonce(plaintext, aad []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ct, err := k.Seal(nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(ct))
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// OpenRandomNonce reverses SealRandomNonce.
func (k AeadKey) OpenRandomNonce(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, errors.New("xcrypto: sealed payload too short")
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	return k.Open(nonce, sealed[NonceSize:], aad)
}
