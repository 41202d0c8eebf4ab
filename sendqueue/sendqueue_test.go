package sendqueue

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
	"github.com/nullspace-msg/sealmsg/group"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/session"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
)

type harness struct {
	dir  *server.Directory
	dc   *client.Client
	sess *session.Server
	mbox *mailbox.Server
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

	return &harness{dir: d, dc: dc, sess: sess, mbox: mbox}
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

func TestWorkerDrainsPendingDirectMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")

	aliceIDMgr, err := identity.NewManager(filepath.Join(t.TempDir(), "alice-identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { aliceIDMgr.Close() })
	alice, aliceToken := registerAndAuth(t, ctx, h, aliceIDMgr, "@alice01", "~homeserver1")

	bobIDMgr, err := identity.NewManager(filepath.Join(t.TempDir(), "bob-identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { bobIDMgr.Close() })
	_, _ = registerAndAuth(t, ctx, h, bobIDMgr, "@bob0001", "~homeserver1")

	aliceStore, err := store.Open(filepath.Join(t.TempDir(), "alice-store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { aliceStore.Close() })

	aliceDM := dm.NewPipeline(aliceIDMgr, h.dc, aliceStore)
	aliceGroup := group.NewPipeline(aliceIDMgr, h.dc, aliceStore, aliceDM)
	notify := store.NewDbNotify()

	convo := wire.DirectConvo("@bob0001")
	require.NoError(t, aliceStore.EnsureConvo(ctx, convo, wire.Now()))
	_, err = aliceStore.InsertPending(ctx, convo, "@alice01", "text/plain", []byte("queued hello"), wire.Now())
	require.NoError(t, err)
	notify.Bump()

	worker := NewWorker(aliceStore, notify, aliceDM, aliceGroup, alice, aliceToken)
	t.Cleanup(worker.Stop)

	require.Eventually(t, func() bool {
		msgs, err := aliceStore.Messages(ctx, convo)
		if err != nil || len(msgs) == 0 {
			return false
		}
		return msgs[0].ReceivedAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	msgs, err := aliceStore.Messages(ctx, convo)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].SendError)
}
