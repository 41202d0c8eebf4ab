package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// maxEntriesPerRecv caps how many entries multirecv returns per mailbox in
// one response, so one very active mailbox cannot starve a response to
// every other argument in the same call.
const maxEntriesPerRecv = 256

// Server is one home server's mailbox layer.
type Server struct {
	store  *Store
	notify *notifyBus
}

// NewServer opens (or creates) the mailbox database at dbPath.
func NewServer(dbPath string) (*Server, error) {
	store, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Server{store: store, notify: newNotifyBus()}, nil
}

// Close releases the underlying store.
func (s *Server) Close() error { return s.store.Close() }

// EnsureDirectMailbox creates user's DM mailbox if it doesn't already
// exist, installing the anonymous send-only ACL plus a recv-capable ACL
// for deviceTokenHash, per spec §4.3/§4.4 step 2. Idempotent.
func (s *Server) EnsureDirectMailbox(ctx context.Context, user wire.UserName, deviceTokenHash wire.Hash) error {
	id := DirectMailboxId(user)
	return s.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureMailboxTx(ctx, tx, id); err != nil {
			return err
		}
		anonHash := xcrypto.Hash(wire.Anonymous[:])
		if _, ok, err := aclTx(ctx, tx, id, anonHash); err != nil {
			return err
		} else if !ok {
			if err := putACLTx(ctx, tx, id, anonHash, wire.ACLBits{CanSend: true}); err != nil {
				return err
			}
		}
		if _, ok, err := aclTx(ctx, tx, id, deviceTokenHash); err != nil {
			return err
		} else if !ok {
			if err := putACLTx(ctx, tx, id, deviceTokenHash, wire.ACLBits{CanRecv: true}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterGroup creates a group's message and management mailboxes,
// granting the caller full ACL on both, per spec §4.3/§4.9.
func (s *Server) RegisterGroup(ctx context.Context, g wire.GroupId, callerTokenHash wire.Hash) error {
	full := wire.ACLBits{CanEditACL: true, CanSend: true, CanRecv: true}
	for _, id := range []wire.MailboxId{GroupMessagesMailboxId(g), GroupManagementMailboxId(g)} {
		if err := s.store.withTx(ctx, func(tx *sql.Tx) error {
			if err := ensureMailboxTx(ctx, tx, id); err != nil {
				return err
			}
			return putACLTx(ctx, tx, id, callerTokenHash, full)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Send implements v1_mailbox_send(auth, mailbox, blob, ttl) (spec §4.3):
// resolve the ACL, require can_send, append under received_at = now, and
// publish the arrival on the notify bus. One transaction; no partial
// writes. Returns the server-assigned received_at, which a DM self-echo
// (spec §4.6 step 6) records as the message's local received_at.
func (s *Server) Send(ctx context.Context, auth wire.AuthToken, id wire.MailboxId, blob wire.Blob, ttl time.Duration) (wire.NanoTimestamp, error) {
	tokenHash := xcrypto.Hash(auth[:])
	now := wire.Now()
	var expiresAt *int64
	if ttl > 0 {
		e := now.Time().Add(ttl).UnixNano()
		expiresAt = &e
	}

	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		bits, ok, err := resolveACLTx(ctx, tx, id, auth)
		if err != nil {
			return err
		}
		if !ok || !bits.CanSend {
			return fmt.Errorf("%w: mailbox %s: no can_send grant", sealerr.AccessDenied, id)
		}
		entryId, err := nextEntryIdTx(ctx, tx, id)
		if err != nil {
			return err
		}
		entry := wire.MailboxEntry{
			EntryId:             entryId,
			Message:             blob,
			ReceivedAt:          now,
			SenderAuthTokenHash: &tokenHash,
		}
		return insertEntryTx(ctx, tx, id, entry, expiresAt)
	})
	if err != nil {
		if sealerr.IsAccessDenied(err) {
			return wire.NanoTimestamp(0), err
		}
		return wire.NanoTimestamp(0), fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	s.notify.publish(id)
	logging.From(ctx).Debugw("mailbox: entry sent", "mailbox", id.String())
	return now, nil
}

// RecvArg is one element of a v1_mailbox_multirecv call.
type RecvArg struct {
	Auth    wire.AuthToken
	Mailbox wire.MailboxId
	After   wire.NanoTimestamp
}

// Multirecv implements v1_mailbox_multirecv(args, timeout_ms) (spec §4.3):
// resolve every arg's ACL up front, return immediately if any mailbox
// already has entries after its cursor, else race the notify bus against
// timeout and return the first mailbox that fills.
func (s *Server) Multirecv(ctx context.Context, args []RecvArg, timeout time.Duration) (map[wire.MailboxId][]wire.MailboxEntry, error) {
	out := make(map[wire.MailboxId][]wire.MailboxEntry)
	var waitable []RecvArg

	for _, arg := range args {
		bits, ok, err := s.resolveACL(ctx, arg.Mailbox, arg.Auth)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
		}
		if !ok || !bits.CanRecv {
			return nil, fmt.Errorf("%w: mailbox %s: no can_recv grant", sealerr.AccessDenied, arg.Mailbox)
		}
		entries, err := s.store.entriesAfter(ctx, arg.Mailbox, arg.After, maxEntriesPerRecv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
		}
		if len(entries) > 0 {
			out[arg.Mailbox] = entries
		} else {
			waitable = append(waitable, arg)
		}
	}
	if len(out) > 0 || len(waitable) == 0 {
		return out, nil
	}

	cases := make([]<-chan struct{}, len(waitable))
	for i, arg := range waitable {
		cases[i] = s.notify.wait(arg.Mailbox)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return out, nil
	case <-timer.C:
		return out, nil
	default:
	}
	// A simple fan-in: the first channel to close wins the race, matching
	// "return the first mailbox that fills" (spec §4.3). len(waitable) is
	// small in practice (one client's own pending convo set), so an O(n)
	// select-in-a-loop over a done signal is cheaper to reason about than
	// reflect.Select for this size.
	done := make(chan int, 1)
	stop := make(chan struct{})
	defer close(stop)
	for i, ch := range cases {
		go func(i int, ch <-chan struct{}) {
			select {
			case <-ch:
				select {
				case done <- i:
				default:
				}
			case <-stop:
			}
		}(i, ch)
	}

	select {
	case i := <-done:
		entries, err := s.store.entriesAfter(ctx, waitable[i].Mailbox, waitable[i].After, maxEntriesPerRecv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
		}
		if len(entries) > 0 {
			out[waitable[i].Mailbox] = entries
		}
		return out, nil
	case <-timer.C:
		return out, nil
	case <-ctx.Done():
		return out, nil
	}
}

func (s *Server) resolveACL(ctx context.Context, id wire.MailboxId, auth wire.AuthToken) (wire.ACLBits, bool, error) {
	var bits wire.ACLBits
	var ok bool
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		bits, ok, err = resolveACLTx(ctx, tx, id, auth)
		return err
	})
	return bits, ok, err
}

// EditACL implements v1_mailbox_acl_edit(auth, mailbox, acl) (spec §4.3
// and its Edge Cases): self-removal, idempotent re-grant, insert-by-subset
// for a previously-absent token, else require can_edit_acl.
func (s *Server) EditACL(ctx context.Context, auth wire.AuthToken, id wire.MailboxId, entry wire.ACLEntry) error {
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		callerHash := xcrypto.Hash(auth[:])

		if entry.TokenHash == callerHash && entry.Bits.IsEmpty() {
			return delACLTx(ctx, tx, id, entry.TokenHash)
		}

		existing, exists, err := aclTx(ctx, tx, id, entry.TokenHash)
		if err != nil {
			return err
		}
		if exists && existing == entry.Bits {
			return nil
		}

		callerBits, callerOK, err := resolveACLTx(ctx, tx, id, auth)
		if err != nil {
			return err
		}

		if !exists && callerOK && entry.Bits.Subset(callerBits) {
			return putACLTx(ctx, tx, id, entry.TokenHash, entry.Bits)
		}

		if !callerOK || !callerBits.CanEditACL {
			return fmt.Errorf("%w: mailbox %s: no can_edit_acl grant", sealerr.AccessDenied, id)
		}
		return putACLTx(ctx, tx, id, entry.TokenHash, entry.Bits)
	})
	if err != nil {
		if sealerr.IsAccessDenied(err) {
			return err
		}
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return nil
}
