package xcrypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/hkdf"

	"github.com/nullspace-msg/sealmsg/wire"
)

// headerStreamInfo domain-separates the per-recipient stream key derived
// for a HeaderEncrypted header from any other HKDF use in this module.
var headerStreamInfo = []byte("sealmsg-header-v1")

// streamKeyFromSS derives the per-recipient key that seals (not the
// message body itself, but) the message's AEAD key K, from a DH shared
// secret, per spec §4.6 step 4: "derive a stream key from ss".
func streamKeyFromSS(ss [32]byte) (AeadKey, error) {
	r := hkdf.New(sha256.New, ss[:], nil, headerStreamInfo)
	var key AeadKey
	if _, err := r.Read(key[:]); err != nil {
		return AeadKey{}, err
	}
	return key, nil
}

// MpkShort returns the first two bytes of BLAKE3(mpk), the selector a
// HeaderEncrypted recipient uses to find its own header without trying
// every one (spec §4.6 step 4).
func MpkShort(mpk [32]byte) [2]byte {
	h := Hash(mpk[:])
	var short [2]byte
	copy(short[:], h[:2])
	return short
}

// EncryptHeader implements HeaderEncrypted::encrypt (spec §4.6 step 4):
// a fresh ephemeral X25519 key and AEAD key K are sampled, K is sealed
// once per recipient mpk under a stream key derived from DH(esk, mpk),
// and plaintext is sealed once under K with aad = canonical(epk, headers).
// Requires at least one recipient.
func EncryptHeader(plaintext []byte, recipientMpks [][32]byte) (wire.HeaderEncrypted, error) {
	if len(recipientMpks) == 0 {
		return wire.HeaderEncrypted{}, errors.New("xcrypto: header-encrypt requires at least one recipient")
	}
	esk, err := GenerateDhKeyPair()
	if err != nil {
		return wire.HeaderEncrypted{}, err
	}
	k, err := GenerateAeadKey()
	if err != nil {
		return wire.HeaderEncrypted{}, err
	}

	headers := make([]wire.EncryptionHeader, 0, len(recipientMpks))
	for _, mpk := range recipientMpks {
		ss, err := esk.DH(mpk)
		if err != nil {
			return wire.HeaderEncrypted{}, err
		}
		streamKey, err := streamKeyFromSS(ss)
		if err != nil {
			return wire.HeaderEncrypted{}, err
		}
		sealedK, err := streamKey.Seal(ZeroNonce, k[:], nil)
		if err != nil {
			return wire.HeaderEncrypted{}, err
		}
		headers = append(headers, wire.EncryptionHeader{
			ReceiverMpkShort: MpkShort(mpk),
			ReceiverKey:      sealedK,
		})
	}

	msg := wire.HeaderEncrypted{Epk: esk.Public, Headers: headers}
	aad, err := msg.AAD()
	if err != nil {
		return wire.HeaderEncrypted{}, err
	}
	body, err := k.Seal(ZeroNonce, plaintext, aad)
	if err != nil {
		return wire.HeaderEncrypted{}, err
	}
	msg.Body = body
	return msg, nil
}

// ErrNoMatchingHeader means none of msg's headers select myMpk.
var ErrNoMatchingHeader = errors.New("xcrypto: no header-encrypted header selects this recipient key")

// DecryptHeader reverses EncryptHeader for the recipient holding
// myMpkSecret (the private half of myMpk): it tries every header whose
// selector matches myMpk's short id (collisions are possible but rare),
// recovers K, and opens the body.
func DecryptHeader(msg wire.HeaderEncrypted, myMpk [32]byte, myMpkSecret [32]byte) ([]byte, error) {
	short := MpkShort(myMpk)
	mySecret := DhKeyPair{Private: myMpkSecret}
	aad, err := msg.AAD()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, h := range msg.Headers {
		if h.ReceiverMpkShort != short {
			continue
		}
		ss, err := mySecret.DH(msg.Epk)
		if err != nil {
			lastErr = err
			continue
		}
		streamKey, err := streamKeyFromSS(ss)
		if err != nil {
			lastErr = err
			continue
		}
		kBytes, err := streamKey.Open(ZeroNonce, h.ReceiverKey, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var k AeadKey
		copy(k[:], kBytes)
		plaintext, err := k.Open(ZeroNonce, msg.Body, aad)
		if err != nil {
			lastErr = err
			continue
		}
		return plaintext, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoMatchingHeader
}
