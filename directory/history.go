// Package directory holds the per-key ownership history state machine
// shared by the directory server (which validates histories before
// committing them) and the directory client (which replays a fetched
// history into a DirectoryListing). Keeping one implementation means the
// two sides can never disagree about what a valid history looks like.
package directory

import (
	"bytes"

	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

type ownerSet map[string]bool

func pkKey(pk []byte) string { return string(pk) }

func (o ownerSet) contains(pk []byte) bool { return o[pkKey(pk)] }
func (o ownerSet) add(pk []byte)           { o[pkKey(pk)] = true }
func (o ownerSet) remove(pk []byte)        { delete(o, pkKey(pk)) }

func (o ownerSet) list() [][]byte {
	out := make([][]byte, 0, len(o))
	for k := range o {
		out = append(out, []byte(k))
	}
	return out
}

// ValidateHistory checks history end-to-end per the chain rule: the first
// update is a self-signed AddOwner with prev_update_hash = 0, every later
// update's prev_update_hash matches the canonical hash of its predecessor,
// and every update's signature verifies under a then-current owner. It
// returns a sealerr.UpdateRejected describing the first violation found.
func ValidateHistory(history []wire.DirectoryUpdate) ([][]byte, error) {
	if len(history) == 0 {
		return nil, nil
	}

	owners := ownerSet{}
	for i, u := range history {
		if i == 0 {
			if !u.PrevUpdateHash.IsZero() {
				return nil, sealerr.Rejected("first update must have prev_update_hash = 0")
			}
			if u.UpdateType.AddOwner == nil {
				return nil, sealerr.Rejected("first update must be AddOwner")
			}
			if !bytes.Equal(u.SignerPK, *u.UpdateType.AddOwner) {
				return nil, sealerr.Rejected("first update must be self-signed by the owner it adds")
			}
		} else {
			wantPrev, err := xcrypto.HashCanonical(history[i-1])
			if err != nil {
				return nil, err
			}
			if u.PrevUpdateHash != wantPrev {
				return nil, sealerr.Rejected("prev_update_hash does not match predecessor")
			}
			if !owners.contains(u.SignerPK) {
				return nil, sealerr.Rejected("update signer is not a current owner")
			}
		}

		body, err := u.SignedBytes()
		if err != nil {
			return nil, err
		}
		if err := xcrypto.VerifySignature(u.SignerPK, body, u.Signature); err != nil {
			return nil, sealerr.Rejected("signature does not verify")
		}

		switch {
		case u.UpdateType.AddOwner != nil:
			owners.add(*u.UpdateType.AddOwner)
		case u.UpdateType.DelOwner != nil:
			owners.remove(*u.UpdateType.DelOwner)
		case u.UpdateType.Update != nil:
			// content-only update, no ownership change
		default:
			return nil, sealerr.Rejected("update carries no operation")
		}
	}
	return owners.list(), nil
}

// Replay runs ValidateHistory and additionally tracks the most recent
// content Blob, producing the DirectoryListing a query returns.
func Replay(history []wire.DirectoryUpdate) (wire.DirectoryListing, error) {
	owners, err := ValidateHistory(history)
	if err != nil {
		return wire.DirectoryListing{}, err
	}
	var latest *wire.Blob
	for _, u := range history {
		if u.UpdateType.Update != nil {
			b := *u.UpdateType.Update
			latest = &b
		}
	}
	return wire.DirectoryListing{LatestValue: latest, Owners: owners}, nil
}

// LastUpdateHash returns hash(last update) for computing the next update's
// prev_update_hash, or the zero hash if history is empty.
func LastUpdateHash(history []wire.DirectoryUpdate) (wire.Hash, error) {
	if len(history) == 0 {
		return wire.Hash{}, nil
	}
	return xcrypto.HashCanonical(history[len(history)-1])
}
