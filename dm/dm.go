// Package dm implements the direct-message send and receive pipelines
// (spec §4.6/§4.7): sign an outgoing event, header-encrypt it to every
// verified device of the recipient, send it over the mailbox layer with
// a same-server self-echo, and on receive reverse each of those steps.
package dm

import (
	"context"
	"fmt"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Pipeline ties the client identity/peer cache, the directory, and the
// local store together to drive one user's direct-message traffic.
type Pipeline struct {
	identity *identity.Manager
	dir      *client.Client
	store    *store.Store
}

// NewPipeline builds a DM pipeline over an already-open identity manager,
// directory client, and local store.
func NewPipeline(idMgr *identity.Manager, dir *client.Client, st *store.Store) *Pipeline {
	return &Pipeline{identity: idMgr, dir: dir, store: st}
}

// Send implements spec §4.6: build and sign an Event, header-encrypt it to
// every verified medium-term key the recipient's devices publish, send it
// to the recipient's mailbox, and self-echo to the sender's own mailbox so
// the sender's other devices observe it too. Returns the received_at
// recorded by the self-echo (or, if peer is the caller themself, by the
// single send), which the send queue persists as the message's
// received_at.
func (p *Pipeline) Send(ctx context.Context, id identity.Identity, ownAuth wire.AuthToken, peer wire.UserName, mime string, body []byte, sentAt wire.NanoTimestamp) (wire.NanoTimestamp, error) {
	event := wire.Event{Recipient: wire.UserRecipient(peer), SentAt: sentAt, Mime: mime, Body: body}
	contentBlob, err := wire.NewBlob(wire.KindMessageContent, event)
	if err != nil {
		return 0, err
	}

	chainBytes, err := id.Chain.Canonical()
	if err != nil {
		return 0, err
	}
	signed := wire.DeviceSigned{Sender: id.Username, CertChain: chainBytes, Body: contentBlob}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		return 0, err
	}
	signed.Signature = id.Secret.Keys.Sign(signedBody)

	peerInfo, err := p.identity.Peer(ctx, peer)
	if err != nil {
		return 0, err
	}
	recipientKeys := peerInfo.VerifiedMediumKeys()
	if len(recipientKeys) == 0 {
		return 0, fmt.Errorf("%w: %s publishes no verified medium-term keys", sealerr.AccessDenied, peer)
	}

	plaintext, err := wire.Canonical(signed)
	if err != nil {
		return 0, err
	}
	sealed, err := xcrypto.EncryptHeader(plaintext, recipientKeys)
	if err != nil {
		return 0, err
	}
	outer, err := wire.NewBlob(wire.KindDirectMessage, sealed)
	if err != nil {
		return 0, err
	}

	peerRPC, err := identity.ResolveServerRPC(ctx, p.dir, peerInfo.ServerName)
	if err != nil {
		return 0, err
	}
	// The caller's own token holds an explicit recv-only entry on the
	// caller's own DM mailbox, and an explicit entry wins over the anonymous
	// grant, so every send to that mailbox goes out as anonymous.
	sendAuth := wire.Anonymous
	if peerInfo.ServerName == id.ServerName && peer != id.Username {
		sendAuth = ownAuth
	}
	receivedAt, err := sendBlob(ctx, peerRPC, sendAuth, mailbox.DirectMailboxId(peer), outer)
	if err != nil {
		return 0, err
	}

	if peer == id.Username {
		return receivedAt, nil
	}

	ownRPC, err := identity.ResolveServerRPC(ctx, p.dir, id.ServerName)
	if err != nil {
		return 0, err
	}
	receivedAt, err = sendBlob(ctx, ownRPC, wire.Anonymous, mailbox.DirectMailboxId(id.Username), outer)
	if err != nil {
		return 0, err
	}
	logging.From(ctx).Debugw("dm: sent and self-echoed", "peer", string(peer))
	return receivedAt, nil
}

func sendBlob(ctx context.Context, rpc *rpcwire.Client, auth wire.AuthToken, mailboxId wire.MailboxId, blob wire.Blob) (wire.NanoTimestamp, error) {
	var reply struct {
		OK         bool               `json:"ok"`
		ReceivedAt wire.NanoTimestamp `json:"received_at"`
	}
	err := rpc.Call(ctx, "v1_mailbox_send", struct {
		Auth    wire.AuthToken `json:"auth"`
		Mailbox wire.MailboxId `json:"mailbox"`
		Blob    wire.Blob      `json:"blob"`
		TTLMs   int64          `json:"ttl_ms"`
	}{auth, mailboxId, blob, 0}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.ReceivedAt, nil
}

// Receive implements spec §4.7 for one arriving v1.direct_message entry:
// decrypt under the current (then previous) medium-term key, verify the
// sender's chain and signature, check the event's recipient, and persist
// it with dedup plus a cursor advance in one transaction. Any
// cryptographic failure is logged and the entry is skipped rather than
// surfaced, per spec §7 ("Cryptographic mismatch ... never surfaced as a
// hard client error to avoid blocking the recv loop").
func (p *Pipeline) Receive(ctx context.Context, id identity.Identity, entry wire.MailboxEntry) {
	if entry.Message.Kind != wire.KindDirectMessage {
		return
	}
	log := logging.From(ctx)

	var sealed wire.HeaderEncrypted
	if err := entry.Message.Decode(&sealed); err != nil {
		log.Warnw("dm: malformed direct_message blob, skipping", "err", err)
		return
	}

	plaintext, err := xcrypto.DecryptHeader(sealed, id.MediumCurrent.Public, id.MediumCurrent.Private)
	if err != nil && id.MediumPrev != nil {
		plaintext, err = xcrypto.DecryptHeader(sealed, id.MediumPrev.Public, id.MediumPrev.Private)
	}
	if err != nil {
		log.Infow("dm: direct_message did not decrypt under any known medium key, skipping", "err", err)
		return
	}

	var signed wire.DeviceSigned
	if err := wire.Decode(plaintext, &signed); err != nil {
		log.Warnw("dm: malformed device_signed payload, skipping", "err", err)
		return
	}

	listing, err := p.dir.QueryRaw(ctx, string(signed.Sender))
	if err != nil || listing.LatestValue == nil {
		log.Infow("dm: cannot resolve sender descriptor, skipping", "sender", string(signed.Sender))
		return
	}
	var descriptor wire.UserDescriptor
	if err := listing.LatestValue.Decode(&descriptor); err != nil {
		log.Infow("dm: sender directory entry is not a user descriptor, skipping", "sender", string(signed.Sender))
		return
	}

	var chain certs.CertificateChain
	if err := wire.Decode(signed.CertChain, &chain); err != nil {
		log.Infow("dm: malformed sender cert chain, skipping", "sender", string(signed.Sender))
		return
	}
	if err := chain.Verify(descriptor.RootCertHash, entry.ReceivedAt.Time()); err != nil {
		log.Infow("dm: sender chain failed verification, skipping", "sender", string(signed.Sender), "err", err)
		return
	}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		log.Warnw("dm: cannot re-encode signed body, skipping", "err", err)
		return
	}
	if err := xcrypto.VerifySignature(chain.LastDevice().PK, signedBody, signed.Signature); err != nil {
		log.Infow("dm: sender signature invalid, skipping", "sender", string(signed.Sender), "err", err)
		return
	}

	if signed.Body.Kind != wire.KindMessageContent {
		log.Infow("dm: device_signed body is not message_content, skipping")
		return
	}
	var event wire.Event
	if err := signed.Body.Decode(&event); err != nil {
		log.Warnw("dm: malformed event, skipping", "err", err)
		return
	}

	self := wire.UserRecipient(id.Username)
	senderRecipient := wire.UserRecipient(signed.Sender)
	if !event.Recipient.Equal(self) && !event.Recipient.Equal(senderRecipient) {
		log.Infow("dm: event recipient is neither self nor sender, skipping", "sender", string(signed.Sender))
		return
	}
	peer := signed.Sender
	if signed.Sender == id.Username {
		if event.Recipient.User == nil {
			log.Infow("dm: self-echo event has no user recipient, skipping")
			return
		}
		peer = *event.Recipient.User
	}

	convo := wire.DirectConvo(peer)
	mailboxId := mailbox.DirectMailboxId(id.Username)
	if err := p.store.EnsureConvo(ctx, convo, entry.ReceivedAt); err != nil {
		log.Errorw("dm: cannot ensure convo row", "err", err)
		return
	}
	if err := p.store.PersistDirectMessage(ctx, id.ServerName, mailboxId, convo, signed.Sender, event.Mime, event.Body, event.SentAt, entry.ReceivedAt); err != nil {
		log.Errorw("dm: cannot persist direct message", "err", err)
	}
}
