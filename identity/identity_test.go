package identity

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
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/session"
	"github.com/nullspace-msg/sealmsg/wire"
)

// harness wires an in-process directory and a session.Server behind an
// httptest RPC mux, mirroring session's own test harness.
type harness struct {
	dir  *server.Directory
	dc   *client.Client
	sess *session.Server
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

	return &harness{dir: d, dc: dc, sess: sess, rpc: rpcwire.NewClient(sessHTTP.URL)}
}

// registerUser publishes username's UserDescriptor naming serverName and
// root's hash, flushing so a subsequent QueryRaw sees a proof-backed chunk.
func registerUser(t *testing.T, ctx context.Context, h *harness, username wire.UserName, serverName wire.ServerName, root certs.DeviceSecret) {
	t.Helper()
	require.NoError(t, h.dc.AddOwner(ctx, string(username), root.Keys, root.Public()))
	require.NoError(t, h.dc.InsertUserDescriptor(ctx, string(username), root.Keys, wire.UserDescriptor{
		ServerName: serverName, RootCertHash: root.Hash(),
	}))
	require.NoError(t, h.dir.Flush(ctx))
}

func TestBootstrapAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")
	m, err := NewManager(filepath.Join(t.TempDir(), "identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	_, ok, err := m.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	id, err := m.Bootstrap(ctx, "@alice01", "~homeserver1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, wire.UserName("@alice01"), id.Username)
	require.Nil(t, id.MediumPrev)

	loaded, ok, err := m.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id.Username, loaded.Username)
	require.Equal(t, id.ServerName, loaded.ServerName)
	require.Equal(t, id.MediumCurrent.Public, loaded.MediumCurrent.Public)
	require.Equal(t, id.MediumCurrent.Private, loaded.MediumCurrent.Private)
	require.Equal(t, id.Secret.Public(), loaded.Secret.Public())
}

func TestRotateMediumKeyRollsPrevAndPublishes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")
	m, err := NewManager(filepath.Join(t.TempDir(), "identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	registerUser(t, ctx, h, "@bob0001", "~homeserver1", func() certs.DeviceSecret {
		id, err := m.Bootstrap(ctx, "@bob0001", "~homeserver1", time.Now().Add(time.Hour))
		require.NoError(t, err)
		return id.Secret
	}())

	id, ok, err := m.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	token, err := h.sess.DeviceAuth(ctx, "@bob0001", id.Chain)
	require.NoError(t, err)

	originalCurrent := id.MediumCurrent

	rotated, err := m.RotateMediumKey(ctx, id, h.rpc, token)
	require.NoError(t, err)
	require.NotNil(t, rotated.MediumPrev)
	require.Equal(t, originalCurrent.Public, rotated.MediumPrev.Public)
	require.NotEqual(t, originalCurrent.Public, rotated.MediumCurrent.Public)

	pks, err := h.sess.DeviceMediumPKs(ctx, "@bob0001")
	require.NoError(t, err)
	require.Len(t, pks, 1)

	loaded, ok, err := m.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rotated.MediumCurrent.Public, loaded.MediumCurrent.Public)
	require.Equal(t, rotated.MediumPrev.Public, loaded.MediumPrev.Public)
}

func TestPeerRefreshesAndCaches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")
	m, err := NewManager(filepath.Join(t.TempDir(), "identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	root, err := certs.NewDeviceSecret()
	require.NoError(t, err)
	registerUser(t, ctx, h, "@carol01", "~homeserver1", root)

	cert, err := certs.SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	chain := certs.CertificateChain{This: cert}

	token, err := h.sess.DeviceAuth(ctx, "@carol01", chain)
	require.NoError(t, err)

	signed := wire.SignedMediumPK{MediumPK: [32]byte{9}, Created: wire.Now()}
	body, err := signed.SignedBytes()
	require.NoError(t, err)
	signed.Signature = root.Keys.Sign(body)
	require.NoError(t, h.sess.DeviceAddMediumPK(ctx, token, signed))

	peer, err := m.Peer(ctx, "@carol01")
	require.NoError(t, err)
	require.Equal(t, wire.ServerName("~homeserver1"), peer.ServerName)
	require.Len(t, peer.Chains, 1)
	require.Len(t, peer.MediumPKs, 1)
	keys := peer.VerifiedMediumKeys()
	require.Len(t, keys, 1)
	require.Equal(t, [32]byte{9}, keys[0])

	// Second call within the TTL window is served from the cache and returns
	// the same medium keys.
	cached, err := m.Peer(ctx, "@carol01")
	require.NoError(t, err)
	require.Equal(t, peer.MediumPKs, cached.MediumPKs)
}

func TestPeerListsOnlyChainsAcceptedByDeviceAuth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "~homeserver1")
	m, err := NewManager(filepath.Join(t.TempDir(), "identity.db"), h.dc)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	root, err := certs.NewDeviceSecret()
	require.NoError(t, err)
	registerUser(t, ctx, h, "@erin0001", "~homeserver1", root)

	impostor, err := certs.NewDeviceSecret()
	require.NoError(t, err)
	impostorCert, err := certs.SelfSign(impostor, time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	_, err = h.sess.DeviceAuth(ctx, "@erin0001", certs.CertificateChain{This: impostorCert})
	require.Error(t, err) // impostor chain never verifies against @erin0001's root, so never gets filed

	cert, err := certs.SelfSign(root, time.Now().Add(time.Hour), true)
	require.NoError(t, err)
	_, err = h.sess.DeviceAuth(ctx, "@erin0001", certs.CertificateChain{This: cert})
	require.NoError(t, err)

	peer, err := m.Peer(ctx, "@erin0001")
	require.NoError(t, err)
	require.Len(t, peer.Chains, 1)
}
