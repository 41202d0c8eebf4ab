package mailbox

import (
	"context"
	"database/sql"

	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// resolveACLTx implements ACL resolution (spec §4.3): an explicit entry for
// hash(token) wins; otherwise the anonymous entry, if any; otherwise deny.
func resolveACLTx(ctx context.Context, tx *sql.Tx, id wire.MailboxId, token wire.AuthToken) (wire.ACLBits, bool, error) {
	tokenHash := xcrypto.Hash(token[:])
	if bits, ok, err := aclTx(ctx, tx, id, tokenHash); err != nil {
		return wire.ACLBits{}, false, err
	} else if ok {
		return bits, true, nil
	}
	anonHash := xcrypto.Hash(wire.Anonymous[:])
	return aclTx(ctx, tx, id, anonHash)
}
