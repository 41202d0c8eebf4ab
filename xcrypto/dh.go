package xcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// DhKeyPair wraps an X25519 key pair used for medium-term keys and the
// ephemeral keys in HeaderEncrypted.
type DhKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateDhKeyPair creates a fresh X25519 key pair.
func GenerateDhKeyPair() (DhKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return DhKeyPair{}, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return DhKeyPair{}, err
	}
	var kp DhKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

// DhPublicFromBytes wraps a raw 32-byte X25519 public key.
func DhPublicFromBytes(b []byte) ([32]byte, error) {
	var pk [32]byte
	if len(b) != 32 {
		return pk, errors.New("xcrypto: bad dh public key size")
	}
	copy(pk[:], b)
	return pk, nil
}

// DH computes the X25519 shared secret between kp's private half and peer's
// public key.
func (kp DhKeyPair) DH(peer [32]byte) ([32]byte, error) {
	ss, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], ss)
	return out, nil
}
