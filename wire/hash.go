package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is a fixed 32-byte BLAKE3 digest. See xcrypto.Hash for the function
// that produces one from a canonical encoding.
type Hash [32]byte

// String renders the hash as lowercase hex, matching the teacher's
// hex-everywhere convention for digests and ids.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash, used as the sentinel
// "no previous update" value in a fresh per-key history.
func (h Hash) IsZero() bool { return h == Hash{} }

// Bytes returns a copy of the underlying 32 bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, h[:])
	return b
}

// HashFromBytes builds a Hash from a 32-byte slice.
func HashFromBytes(b []byte) (Hash, bool) {
	if len(b) != 32 {
		return Hash{}, false
	}
	var h Hash
	copy(h[:], b)
	return h, true
}

// MarshalText renders h as hex, so a Hash used as a map key encodes to a
// JSON object key rather than tripping encoding/json's unsupported-key-type
// check.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText reverses MarshalText.
func (h *Hash) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("wire: decode hash hex: %w", err)
	}
	got, ok := HashFromBytes(decoded)
	if !ok {
		return fmt.Errorf("wire: hash must be 32 bytes, got %d", len(decoded))
	}
	*h = got
	return nil
}

// MarshalJSON renders h as a hex string, so JSON-RPC payloads carry hashes
// the same way every other surface (logs, String()) does.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("wire: decode hash hex: %w", err)
	}
	got, ok := HashFromBytes(decoded)
	if !ok {
		return fmt.Errorf("wire: hash must be 32 bytes, got %d", len(decoded))
	}
	*h = got
	return nil
}
