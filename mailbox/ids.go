// Package mailbox implements the server mailbox layer (spec §4.3): an
// ACL-governed, TTL-bounded, long-pollable FIFO at each home server.
package mailbox

import (
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// DirectMailboxId derives the mailbox id for a user's direct-message inbox.
func DirectMailboxId(user wire.UserName) wire.MailboxId {
	return wire.MailboxId(xcrypto.DomainHash(wire.DomainDirectMailbox, []byte(user)))
}

// GroupMessagesMailboxId derives a group's message mailbox id.
func GroupMessagesMailboxId(g wire.GroupId) wire.MailboxId {
	return wire.MailboxId(xcrypto.DomainHash(wire.DomainGroupMessagesMailbox, g[:]))
}

// GroupManagementMailboxId derives a group's management mailbox id.
func GroupManagementMailboxId(g wire.GroupId) wire.MailboxId {
	return wire.MailboxId(xcrypto.DomainHash(wire.DomainGroupManagementMailbox, g[:]))
}
