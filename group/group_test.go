package group

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/directory/server"
	"github.com/nullspace-msg/sealmsg/dm"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/session"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

type harness struct {
	dir  *server.Directory
	dc   *client.Client
	sess *session.Server
	mbox *mailbox.Server
	rpc  *rpcwire.Client
}

func newHarness(t *testing.T, serverName wire.ServerName) *harness {
	t.Helper()
	anchorPK, anchorSK, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d, err := server.NewDirectory(server.Config{
		ID:          "test-directory",
		DBPath:      filepath.Join(t.TempDir(), "directory.db"),
		AnchorKey:   anchorSK,
		PoWEffort:   1,
		PoWSeedTTL:  time.Minute,
		ChunkPeriod: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	dirHTTP := httptest.NewServer(d.Mux())
	t.Cleanup(dirHTTP.Close)

	dc, err := client.New(client.Config{
		BaseURL:   dirHTTP.URL,
		DBPath:    filepath.Join(t.TempDir(), "client.db"),
		AnchorKey: anchorPK,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dc.Close() })

	mbox, err := mailbox.NewServer(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mbox.Close() })

	sess, err := session.NewServer(session.Config{
		DBPath:     filepath.Join(t.TempDir(), "session.db"),
		Mailboxes:  mbox,
		Directory:  dc,
		ServerName: serverName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	mux := rpcwire.NewMux()
	sess.Register(mux)
	mbox.Register(mux)
	sessHTTP := httptest.NewServer(mux)
	t.Cleanup(sessHTTP.Close)

	serverRoot, err := certs.NewDeviceSecret()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, dc.AddOwner(ctx, string(serverName), serverRoot.Keys, serverRoot.Public()))
	require.NoError(t, dc.InsertServerDescriptor(ctx, string(serverName), serverRoot.Keys, wire.ServerDescriptor{
		PublicURLs: []string{sessHTTP.URL},
		ServerPK:   serverRoot.Public(),
	}))
	require.NoError(t, d.Flush(ctx))

	return &harness{dir: d, dc: dc, sess: sess, mbox: mbox, rpc: rpcwire.NewClient(sessHTTP.URL)}
}

func registerAndAuth(t *testing.T, ctx context.Context, h *harness, idMgr *identity.Manager, username wire.UserName, serverName wire.ServerName) (identity.Identity, wire.AuthToken) {
	t.Helper()
	id, err := idMgr.Bootstrap(ctx, username, serverName, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, h.dc.AddOwner(ctx, string(username), id.Secret.Keys, id.Secret.Public()))
	require.NoError(t, h.dc.InsertUserDescriptor(ctx, string(username), id.Secret.Keys, wire.UserDescriptor{
		ServerName: serverName, RootCertHash: id.Secret.Hash(),
	}))
	require.NoError(t, h.dir.Flush(ctx))

	token, err := h.sess.DeviceAuth(ctx, username, id.Chain)
	require.NoError(t, err)

	signed := wire.SignedMediumPK{MediumPK: id.MediumCurrent.Public, Created: wire.Now()}
	body, err := signed.SignedBytes()
	require.NoError(t, err)
	signed.Signature = id.Secret.Keys.Sign(body)
	require.NoError(t, h.sess.DeviceAddMediumPK(ctx, token, signed))

	return id, token
}

func TestCreateInviteAcceptAndMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")

	adminIDMgr, err := identity.NewManager(filepath.Join(t.TempDir(), "admin-identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { adminIDMgr.Close() })
	admin, adminToken := registerAndAuth(t, ctx, h, adminIDMgr, "@admin01", "~homeserver1")

	bobIDMgr, err := identity.NewManager(filepath.Join(t.TempDir(), "bob-identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { bobIDMgr.Close() })
	bob, bobToken := registerAndAuth(t, ctx, h, bobIDMgr, "@bob0001", "~homeserver1")

	adminStore, err := store.Open(filepath.Join(t.TempDir(), "admin-store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adminStore.Close() })
	bobStore, err := store.Open(filepath.Join(t.TempDir(), "bob-store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bobStore.Close() })

	adminDM := dm.NewPipeline(adminIDMgr, h.dc, adminStore)
	adminGroup := NewPipeline(adminIDMgr, h.dc, adminStore, adminDM)
	bobDM := dm.NewPipeline(bobIDMgr, h.dc, bobStore)
	bobGroup := NewPipeline(bobIDMgr, h.dc, bobStore, bobDM)

	g, err := adminGroup.Create(ctx, admin, adminToken)
	require.NoError(t, err)

	require.NoError(t, adminGroup.Invite(ctx, admin, adminToken, g, "@bob0001"))

	// Bob's DM mailbox now has the GroupInviteMsg; receive it through his
	// own DM pipeline so it lands as a convo message he can decode.
	result, err := h.mbox.Multirecv(ctx, []mailbox.RecvArg{{Auth: bobToken, Mailbox: mailbox.DirectMailboxId("@bob0001"), After: 0}}, time.Second)
	require.NoError(t, err)
	entries := result[mailbox.DirectMailboxId("@bob0001")]
	require.Len(t, entries, 1)

	bobConvo := wire.DirectConvo("@admin01")
	require.NoError(t, bobStore.EnsureConvo(ctx, bobConvo, wire.Now()))
	bobGroup.dm.Receive(ctx, bob, entries[0])
	msgs, err := bobStore.Messages(ctx, bobConvo)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var invite wire.GroupInviteMsg
	require.NoError(t, wire.Decode(msgs[0].Body, &invite))
	inviteHash, err := xcrypto.HashCanonical(invite.Descriptor)
	require.NoError(t, err)
	require.Equal(t, g.GroupId, wire.GroupId(inviteHash))

	bobGroupRecord, err := bobGroup.Accept(ctx, bob, invite)
	require.NoError(t, err)
	require.Equal(t, g.GroupId, bobGroupRecord.GroupId)

	// Admin applies the management-mailbox traffic (InviteSent, then
	// InviteAccepted) to its own roster.
	mgmtResult, err := h.mbox.Multirecv(ctx, []mailbox.RecvArg{{Auth: adminToken, Mailbox: mailbox.GroupManagementMailboxId(g.GroupId), After: 0}}, time.Second)
	require.NoError(t, err)
	mgmtEntries := mgmtResult[mailbox.GroupManagementMailboxId(g.GroupId)]
	require.Len(t, mgmtEntries, 2)
	for _, e := range mgmtEntries {
		adminGroup.ReceiveMessage(ctx, admin, g, e, true)
	}
	roster, err := adminStore.Roster(ctx, g.GroupId)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	for _, m := range roster {
		if m.Username == "@bob0001" {
			require.Equal(t, 1, m.Status) // StatusAccepted
		}
	}

	// Admin sends a group message; bob receives and decrypts it.
	_, err = adminGroup.SendMessage(ctx, admin, g, "text/plain", []byte("welcome"), wire.Now())
	require.NoError(t, err)
	msgResult, err := h.mbox.Multirecv(ctx, []mailbox.RecvArg{{Auth: bobGroupRecord.Token, Mailbox: mailbox.GroupMessagesMailboxId(g.GroupId), After: 0}}, time.Second)
	require.NoError(t, err)
	msgEntries := msgResult[mailbox.GroupMessagesMailboxId(g.GroupId)]
	require.Len(t, msgEntries, 1)
	bobGroup.ReceiveMessage(ctx, bob, bobGroupRecord, msgEntries[0], false)

	groupConvo := wire.GroupConvo(g.GroupId)
	bobGroupMsgs, err := bobStore.Messages(ctx, groupConvo)
	require.NoError(t, err)
	require.Len(t, bobGroupMsgs, 1)
	require.Equal(t, "welcome", string(bobGroupMsgs[0].Body))
}
