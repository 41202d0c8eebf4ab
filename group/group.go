// Package group implements group creation, invite/accept, group-message
// encryption, and the admin rekey loop (spec §4.8, C10). Roster state is
// owned by package roster; group sends reuse package dm for the
// invite-over-DM step.
package group

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/dm"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/roster"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Pipeline drives one identity's group membership: creation, invites,
// accepts, message send/receive, and rekeying.
type Pipeline struct {
	identity *identity.Manager
	dir      *client.Client
	store    *store.Store
	dm       *dm.Pipeline
}

// NewPipeline builds a group pipeline sharing the same identity, directory
// and store handles as the caller's dm.Pipeline.
func NewPipeline(idMgr *identity.Manager, dir *client.Client, st *store.Store, dmPipeline *dm.Pipeline) *Pipeline {
	return &Pipeline{identity: idMgr, dir: dir, store: st, dm: dmPipeline}
}

// Create implements spec §4.8's group-creation step: sample the nonce and
// management key, set init_admin/created_at/server, derive group_id =
// hash(descriptor), register both mailboxes, sample the message
// encryption key, and persist the group record with the founding admin
// on the roster.
func (p *Pipeline) Create(ctx context.Context, id identity.Identity, ownAuth wire.AuthToken) (store.Group, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return store.Group{}, err
	}
	var managementKey [32]byte
	if _, err := rand.Read(managementKey[:]); err != nil {
		return store.Group{}, err
	}
	descriptor := wire.GroupDescriptor{
		Nonce:         nonce,
		InitAdmin:     id.Username,
		CreatedAt:     wire.Now(),
		Server:        id.ServerName,
		ManagementKey: managementKey,
	}
	descBytes, err := wire.Canonical(descriptor)
	if err != nil {
		return store.Group{}, err
	}
	groupHash, err := xcrypto.HashCanonical(descriptor)
	if err != nil {
		return store.Group{}, err
	}
	groupId := wire.GroupId(groupHash)

	rpc, err := identity.ResolveServerRPC(ctx, p.dir, id.ServerName)
	if err != nil {
		return store.Group{}, err
	}
	if err := registerGroup(ctx, rpc, ownAuth, groupId); err != nil {
		return store.Group{}, err
	}

	groupKey, err := xcrypto.GenerateAeadKey()
	if err != nil {
		return store.Group{}, err
	}
	g := store.Group{
		GroupId:         groupId,
		Descriptor:      descBytes,
		ServerName:      id.ServerName,
		Token:           ownAuth,
		GroupKeyCurrent: groupKey,
		GroupKeyPrev:    groupKey,
		RosterVersion:   1,
	}
	if err := p.store.SaveGroup(ctx, g); err != nil {
		return store.Group{}, err
	}
	if err := p.store.SaveRoster(ctx, groupId, 1, roster.Initial(id.Username).ToStore()); err != nil {
		return store.Group{}, err
	}
	logging.From(ctx).Infow("group: created", "group", groupId.String())
	return g, nil
}

func registerGroup(ctx context.Context, rpc *rpcwire.Client, auth wire.AuthToken, g wire.GroupId) error {
	var reply struct {
		OK bool `json:"ok"`
	}
	return rpc.Call(ctx, "v1_register_group", struct {
		Auth    wire.AuthToken `json:"auth"`
		GroupId wire.GroupId   `json:"group_id"`
	}{auth, g}, &reply)
}

// Invite implements spec §4.8's invite step: mint a fresh token, grant it
// send+recv on both group mailboxes, announce InviteSent on the
// management mailbox, and DM the invitee a GroupInviteMsg.
func (p *Pipeline) Invite(ctx context.Context, id identity.Identity, ownAuth wire.AuthToken, g store.Group, invitee wire.UserName) error {
	var token wire.AuthToken
	if _, err := rand.Read(token[:]); err != nil {
		return err
	}
	tokenHash := xcrypto.Hash(token[:])

	rpc, err := identity.ResolveServerRPC(ctx, p.dir, g.ServerName)
	if err != nil {
		return err
	}
	bits := wire.ACLBits{CanSend: true, CanRecv: true}
	for _, mb := range []wire.MailboxId{mailbox.GroupMessagesMailboxId(g.GroupId), mailbox.GroupManagementMailboxId(g.GroupId)} {
		if err := editACL(ctx, rpc, ownAuth, mb, wire.ACLEntry{TokenHash: tokenHash, Bits: bits}); err != nil {
			return err
		}
	}

	if err := p.postManage(ctx, id, rpc, ownAuth, g, wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: invitee}); err != nil {
		return err
	}

	invite := wire.GroupInviteMsg{Descriptor: mustDecodeDescriptor(g.Descriptor), GroupKey: g.GroupKeyCurrent, Token: token, CreatedAt: wire.Now()}
	body, err := wire.Canonical(invite)
	if err != nil {
		return err
	}
	if _, err := p.dm.Send(ctx, id, ownAuth, invitee, "application/x-sealmsg-group-invite", body, wire.Now()); err != nil {
		return err
	}
	logging.From(ctx).Infow("group: invited", "group", g.GroupId.String(), "invitee", string(invitee))
	return nil
}

func mustDecodeDescriptor(raw []byte) wire.GroupDescriptor {
	var d wire.GroupDescriptor
	_ = wire.Decode(raw, &d)
	return d
}

func editACL(ctx context.Context, rpc *rpcwire.Client, auth wire.AuthToken, mb wire.MailboxId, entry wire.ACLEntry) error {
	var reply struct {
		OK bool `json:"ok"`
	}
	return rpc.Call(ctx, "v1_mailbox_acl_edit", struct {
		Auth    wire.AuthToken `json:"auth"`
		Mailbox wire.MailboxId `json:"mailbox"`
		ACL     wire.ACLEntry  `json:"acl"`
	}{auth, mb, entry}, &reply)
}

// Accept implements spec §4.8's accept step: persist the group record if
// absent, initialize mailbox cursors, and post InviteAccepted.
func (p *Pipeline) Accept(ctx context.Context, id identity.Identity, invite wire.GroupInviteMsg) (store.Group, error) {
	groupHash, err := xcrypto.HashCanonical(invite.Descriptor)
	if err != nil {
		return store.Group{}, err
	}
	groupId := wire.GroupId(groupHash)

	existing, ok, err := p.store.LoadGroup(ctx, groupId)
	if err != nil {
		return store.Group{}, err
	}
	if ok {
		return existing, nil
	}

	descBytes, err := wire.Canonical(invite.Descriptor)
	if err != nil {
		return store.Group{}, err
	}
	g := store.Group{
		GroupId:         groupId,
		Descriptor:      descBytes,
		ServerName:      invite.Descriptor.Server,
		Token:           invite.Token,
		GroupKeyCurrent: invite.GroupKey,
		GroupKeyPrev:    invite.GroupKey,
		RosterVersion:   0,
	}
	if err := p.store.SaveGroup(ctx, g); err != nil {
		return store.Group{}, err
	}
	if err := p.store.AdvanceMailboxCursor(ctx, g.ServerName, mailbox.GroupManagementMailboxId(groupId), 0); err != nil {
		return store.Group{}, err
	}
	if err := p.store.AdvanceMailboxCursor(ctx, g.ServerName, mailbox.GroupMessagesMailboxId(groupId), invite.CreatedAt); err != nil {
		return store.Group{}, err
	}

	rpc, err := identity.ResolveServerRPC(ctx, p.dir, g.ServerName)
	if err != nil {
		return store.Group{}, err
	}
	if err := p.postManage(ctx, id, rpc, invite.Token, g, wire.GroupManageMsg{Kind: wire.MsgInviteAccepted}); err != nil {
		return store.Group{}, err
	}
	logging.From(ctx).Infow("group: accepted invite", "group", groupId.String())
	return g, nil
}

// postManage builds a SignedGroupMessage around msg, symmetric-encrypts it
// under the group's management key, and sends it to the management
// mailbox, per spec §4.8's "Group-message encryption".
func (p *Pipeline) postManage(ctx context.Context, id identity.Identity, rpc *rpcwire.Client, auth wire.AuthToken, g store.Group, msg wire.GroupManageMsg) error {
	inner, err := wire.NewBlob(wire.KindGroupManage, msg)
	if err != nil {
		return err
	}
	descriptor := mustDecodeDescriptor(g.Descriptor)
	management := xcrypto.AeadKey(descriptor.ManagementKey)
	_, err = p.sendSigned(ctx, rpc, auth, id, g, inner, mailbox.GroupManagementMailboxId(g.GroupId), management)
	return err
}

// SendMessage implements spec §4.8's group-message encryption step for a
// content event: build Event/SignedGroupMessage, symmetric-encrypt under
// group_key_current, and send to the group's messages mailbox. Unlike a
// DM there is no separate self-echo: the sender is an ordinary member of
// its own messages mailbox and will observe this entry through the same
// long-poll loop as everyone else, so the send queue (§4.10) marks the
// row sent using this call's own server-assigned timestamp.
func (p *Pipeline) SendMessage(ctx context.Context, id identity.Identity, g store.Group, mime string, body []byte, sentAt wire.NanoTimestamp) (wire.NanoTimestamp, error) {
	event := wire.Event{Recipient: wire.GroupRecipient(g.GroupId), SentAt: sentAt, Mime: mime, Body: body}
	inner, err := wire.NewBlob(wire.KindMessageContent, event)
	if err != nil {
		return 0, err
	}
	rpc, err := identity.ResolveServerRPC(ctx, p.dir, g.ServerName)
	if err != nil {
		return 0, err
	}
	return p.sendSigned(ctx, rpc, g.Token, id, g, inner, mailbox.GroupMessagesMailboxId(g.GroupId), xcrypto.AeadKey(g.GroupKeyCurrent))
}

func (p *Pipeline) sendSigned(ctx context.Context, rpc *rpcwire.Client, auth wire.AuthToken, id identity.Identity, g store.Group, inner wire.Blob, mb wire.MailboxId, key xcrypto.AeadKey) (wire.NanoTimestamp, error) {
	chainBytes, err := id.Chain.Canonical()
	if err != nil {
		return 0, err
	}
	signed := wire.SignedGroupMessage{Group: g.GroupId, Sender: id.Username, SenderChain: chainBytes, Message: inner}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		return 0, err
	}
	signed.Signature = id.Secret.Keys.Sign(signedBody)

	plaintext, err := wire.Canonical(signed)
	if err != nil {
		return 0, err
	}
	sealed, err := key.SealRandomNonce(plaintext, nil)
	if err != nil {
		return 0, err
	}
	outer, err := wire.NewBlob(wire.KindGroupMessage, sealed)
	if err != nil {
		return 0, err
	}

	var reply struct {
		OK         bool               `json:"ok"`
		ReceivedAt wire.NanoTimestamp `json:"received_at"`
	}
	if err := rpc.Call(ctx, "v1_mailbox_send", struct {
		Auth    wire.AuthToken `json:"auth"`
		Mailbox wire.MailboxId `json:"mailbox"`
		Blob    wire.Blob      `json:"blob"`
		TTLMs   int64          `json:"ttl_ms"`
	}{auth, mb, outer, 0}, &reply); err != nil {
		return 0, err
	}
	return reply.ReceivedAt, nil
}

// verifySender decodes and verifies a sender's cert chain plus signature
// against its published root hash, the check both group-message receive
// and rekey receive perform.
func (p *Pipeline) verifySender(ctx context.Context, sender wire.UserName, chainBytes, signedBody, signature []byte, now time.Time) (certs.CertificateChain, error) {
	listing, err := p.dir.QueryRaw(ctx, string(sender))
	if err != nil {
		return certs.CertificateChain{}, err
	}
	if listing.LatestValue == nil {
		return certs.CertificateChain{}, fmt.Errorf("%w: %s has no directory entry", sealerr.AccessDenied, sender)
	}
	var descriptor wire.UserDescriptor
	if err := listing.LatestValue.Decode(&descriptor); err != nil {
		return certs.CertificateChain{}, fmt.Errorf("%w: %s's directory entry is not a user descriptor", sealerr.AccessDenied, sender)
	}
	var chain certs.CertificateChain
	if err := wire.Decode(chainBytes, &chain); err != nil {
		return certs.CertificateChain{}, fmt.Errorf("%w: malformed sender chain", sealerr.AccessDenied)
	}
	if err := chain.Verify(descriptor.RootCertHash, now); err != nil {
		return certs.CertificateChain{}, fmt.Errorf("%w: %v", sealerr.AccessDenied, err)
	}
	if err := xcrypto.VerifySignature(chain.LastDevice().PK, signedBody, signature); err != nil {
		return certs.CertificateChain{}, fmt.Errorf("%w: %v", sealerr.AccessDenied, err)
	}
	return chain, nil
}

// ReceiveMessage handles one arriving v1.group_message entry on either the
// messages or the management mailbox (spec §4.8's decrypt/verify step).
// Cryptographic and verification failures are logged and the entry is
// skipped, never surfaced, matching the DM receive pipeline's contract.
func (p *Pipeline) ReceiveMessage(ctx context.Context, id identity.Identity, g store.Group, entry wire.MailboxEntry, isManagement bool) {
	log := logging.From(ctx)
	if entry.Message.Kind != wire.KindGroupMessage {
		return
	}
	var sealed []byte
	if err := entry.Message.Decode(&sealed); err != nil {
		log.Warnw("group: malformed group_message blob, skipping", "err", err)
		return
	}

	key := xcrypto.AeadKey(g.GroupKeyCurrent)
	management := mustDecodeDescriptor(g.Descriptor).ManagementKey
	if isManagement {
		key = xcrypto.AeadKey(management)
	}
	plaintext, err := key.OpenRandomNonce(sealed, nil)
	if err != nil && !isManagement {
		plaintext, err = xcrypto.AeadKey(g.GroupKeyPrev).OpenRandomNonce(sealed, nil)
	}
	if err != nil {
		log.Infow("group: group_message did not decrypt, skipping", "group", g.GroupId.String(), "err", err)
		return
	}

	var signed wire.SignedGroupMessage
	if err := wire.Decode(plaintext, &signed); err != nil {
		log.Warnw("group: malformed signed_group_message, skipping", "err", err)
		return
	}
	if signed.Group != g.GroupId {
		log.Infow("group: signed_group_message names the wrong group, skipping")
		return
	}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		log.Warnw("group: cannot re-encode signed body, skipping", "err", err)
		return
	}
	if _, err := p.verifySender(ctx, signed.Sender, signed.SenderChain, signedBody, signed.Signature, entry.ReceivedAt.Time()); err != nil {
		log.Infow("group: sender verification failed, skipping", "sender", string(signed.Sender), "err", err)
		return
	}

	if isManagement {
		p.applyManage(ctx, g, signed)
		return
	}

	if signed.Message.Kind != wire.KindMessageContent {
		log.Infow("group: message body is not message_content, skipping")
		return
	}
	var event wire.Event
	if err := signed.Message.Decode(&event); err != nil {
		log.Warnw("group: malformed event, skipping", "err", err)
		return
	}
	if event.Recipient.Group == nil || *event.Recipient.Group != g.GroupId {
		log.Infow("group: event recipient does not name this group, skipping")
		return
	}

	convo := wire.GroupConvo(g.GroupId)
	if err := p.store.EnsureConvo(ctx, convo, entry.ReceivedAt); err != nil {
		log.Errorw("group: cannot ensure convo row", "err", err)
		return
	}
	if err := p.store.InsertReceived(ctx, convo, signed.Sender, event.Mime, event.Body, event.SentAt, entry.ReceivedAt); err != nil {
		log.Errorw("group: cannot persist group message", "err", err)
		return
	}
	if err := p.store.AdvanceMailboxCursor(ctx, g.ServerName, mailbox.GroupMessagesMailboxId(g.GroupId), entry.ReceivedAt); err != nil {
		log.Errorw("group: cannot advance messages cursor", "err", err)
	}
}

// applyManage runs the roster transition for one decrypted
// GroupManageMsg and persists the result if it changed anything.
func (p *Pipeline) applyManage(ctx context.Context, g store.Group, signed wire.SignedGroupMessage) {
	log := logging.From(ctx)
	var msg wire.GroupManageMsg
	if err := signed.Message.Decode(&msg); err != nil {
		log.Warnw("group: malformed group_manage payload, skipping", "err", err)
		return
	}
	members, err := p.store.Roster(ctx, g.GroupId)
	if err != nil {
		log.Errorw("group: cannot load roster", "err", err)
		return
	}
	before := roster.FromStore(members, g.RosterVersion)
	after := roster.Apply(before, signed.Sender, msg)
	if after.Version == before.Version {
		return
	}
	if err := p.store.SaveRoster(ctx, g.GroupId, after.Version, after.ToStore()); err != nil {
		log.Errorw("group: cannot persist roster", "err", err)
		return
	}
	g.RosterVersion = after.Version
	if err := p.store.SaveGroup(ctx, g); err != nil {
		log.Errorw("group: cannot persist group record", "err", err)
	}
}

// MaybeRekey implements spec §4.8's rekey loop for one admin evaluation:
// with probability 1/active_admin_count, mint a fresh AeadKey, seal it to
// the union of every active member's verified medium-term keys, and
// publish it on the group's messages mailbox.
func (p *Pipeline) MaybeRekey(ctx context.Context, id identity.Identity, ownAuth wire.AuthToken, g store.Group) error {
	members, err := p.store.Roster(ctx, g.GroupId)
	if err != nil {
		return err
	}
	state := roster.FromStore(members, g.RosterVersion)
	n := state.ActiveAdminCount()
	if n == 0 || mrand.Float64() >= 1.0/float64(n) {
		return nil
	}

	var recipientKeys [][32]byte
	for user, entry := range state.Members {
		if entry.Status == wire.StatusBanned {
			continue
		}
		peer, err := p.identity.Peer(ctx, user)
		if err != nil {
			logging.From(ctx).Warnw("group: cannot resolve rekey recipient, skipping them", "user", string(user), "err", err)
			continue
		}
		recipientKeys = append(recipientKeys, peer.VerifiedMediumKeys()...)
	}
	if len(recipientKeys) == 0 {
		return fmt.Errorf("%w: no verified recipient medium keys for rekey", sealerr.AccessDenied)
	}

	fresh, err := xcrypto.GenerateAeadKey()
	if err != nil {
		return err
	}
	type aeadKeyTuple struct {
		GroupId wire.GroupId `cbor:"1,keyasint"`
		Key     [32]byte     `cbor:"2,keyasint"`
	}
	innerBlob, err := wire.NewBlob(wire.KindAeadKey, aeadKeyTuple{GroupId: g.GroupId, Key: fresh})
	if err != nil {
		return err
	}
	chainBytes, err := id.Chain.Canonical()
	if err != nil {
		return err
	}
	signed := wire.DeviceSigned{Sender: id.Username, CertChain: chainBytes, Body: innerBlob}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		return err
	}
	signed.Signature = id.Secret.Keys.Sign(signedBody)

	plaintext, err := wire.Canonical(signed)
	if err != nil {
		return err
	}
	sealed, err := xcrypto.EncryptHeader(plaintext, recipientKeys)
	if err != nil {
		return err
	}
	outer, err := wire.NewBlob(wire.KindGroupRekey, sealed)
	if err != nil {
		return err
	}

	rpc, err := identity.ResolveServerRPC(ctx, p.dir, g.ServerName)
	if err != nil {
		return err
	}
	var reply struct {
		OK bool `json:"ok"`
	}
	if err := rpc.Call(ctx, "v1_mailbox_send", struct {
		Auth    wire.AuthToken `json:"auth"`
		Mailbox wire.MailboxId `json:"mailbox"`
		Blob    wire.Blob      `json:"blob"`
		TTLMs   int64          `json:"ttl_ms"`
	}{ownAuth, mailbox.GroupMessagesMailboxId(g.GroupId), outer, 0}, &reply); err != nil {
		return err
	}

	g.GroupKeyPrev = g.GroupKeyCurrent
	g.GroupKeyCurrent = fresh
	logging.From(ctx).Infow("group: rekeyed", "group", g.GroupId.String())
	return p.store.SaveGroup(ctx, g)
}

// ReceiveRekey implements spec §4.8's rekey-receive step for one arriving
// v1.group_rekey entry: decrypt under current then prev medium key,
// verify the device signature, confirm the sender is an active admin,
// require the payload's group_id to match, then roll prev ← current.
func (p *Pipeline) ReceiveRekey(ctx context.Context, id identity.Identity, g store.Group, entry wire.MailboxEntry) {
	log := logging.From(ctx)
	if entry.Message.Kind != wire.KindGroupRekey {
		return
	}
	var sealed wire.HeaderEncrypted
	if err := entry.Message.Decode(&sealed); err != nil {
		log.Warnw("group: malformed group_rekey blob, skipping", "err", err)
		return
	}
	plaintext, err := xcrypto.DecryptHeader(sealed, id.MediumCurrent.Public, id.MediumCurrent.Private)
	if err != nil && id.MediumPrev != nil {
		plaintext, err = xcrypto.DecryptHeader(sealed, id.MediumPrev.Public, id.MediumPrev.Private)
	}
	if err != nil {
		log.Infow("group: group_rekey did not decrypt under any known medium key, skipping", "err", err)
		return
	}

	var signed wire.DeviceSigned
	if err := wire.Decode(plaintext, &signed); err != nil {
		log.Warnw("group: malformed device_signed rekey payload, skipping", "err", err)
		return
	}
	signedBody, err := signed.SignedBytes()
	if err != nil {
		log.Warnw("group: cannot re-encode rekey signed body, skipping", "err", err)
		return
	}
	if _, err := p.verifySender(ctx, signed.Sender, signed.CertChain, signedBody, signed.Signature, entry.ReceivedAt.Time()); err != nil {
		log.Infow("group: rekey sender verification failed, skipping", "sender", string(signed.Sender), "err", err)
		return
	}

	members, err := p.store.Roster(ctx, g.GroupId)
	if err != nil {
		log.Errorw("group: cannot load roster for rekey", "err", err)
		return
	}
	state := roster.FromStore(members, g.RosterVersion)
	if !state.IsActiveAdmin(signed.Sender) {
		log.Infow("group: rekey from non-admin, skipping", "sender", string(signed.Sender))
		return
	}

	if signed.Body.Kind != wire.KindAeadKey {
		log.Infow("group: rekey body is not aead_key, skipping")
		return
	}
	var payload struct {
		GroupId wire.GroupId `cbor:"1,keyasint"`
		Key     [32]byte     `cbor:"2,keyasint"`
	}
	if err := signed.Body.Decode(&payload); err != nil {
		log.Warnw("group: malformed aead_key payload, skipping", "err", err)
		return
	}
	if payload.GroupId != g.GroupId {
		log.Infow("group: rekey names the wrong group, skipping")
		return
	}

	g.GroupKeyPrev = g.GroupKeyCurrent
	g.GroupKeyCurrent = payload.Key
	if err := p.store.SaveGroup(ctx, g); err != nil {
		log.Errorw("group: cannot persist rekeyed group", "err", err)
		return
	}
	log.Infow("group: applied rekey", "group", g.GroupId.String(), "from", string(signed.Sender))
}

// RekeyEvalInterval samples the exponential inter-evaluation delay spec
// §4.8 describes: "an exponential delay with mean one hour".
func RekeyEvalInterval() time.Duration {
	return time.Duration(mrand.ExpFloat64() * float64(time.Hour))
}
