package wire

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// canonicalMode is the single deterministic CBOR encode mode used
// everywhere a hash or signature is computed. Every structure that is
// hashed or signed in this module goes through Canonical so there is
// exactly one committed binary form, per spec §3.
var (
	modeOnce sync.Once
	mode     cbor.EncMode
)

func canonicalMode() cbor.EncMode {
	modeOnce.Do(func() {
		m, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic("wire: building canonical cbor mode: " + err.Error())
		}
		mode = m
	})
	return mode
}

// Canonical renders v in the module's single canonical binary encoding:
// deterministic, length-prefixed, field-ordered CBOR. Anything that is
// hashed or signed anywhere in this module must be passed through this
// function first.
func Canonical(v interface{}) ([]byte, error) {
	return canonicalMode().Marshal(v)
}

// MustCanonical is Canonical but panics on error; only safe for values whose
// encodability is a compile-time invariant (no unsupported field types).
func MustCanonical(v interface{}) []byte {
	b, err := Canonical(v)
	if err != nil {
		panic("wire: canonical encoding failed: " + err.Error())
	}
	return b
}

// Decode reverses Canonical.
func Decode(b []byte, v interface{}) error {
	return cbor.Unmarshal(b, v)
}
