package client

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
	"github.com/nullspace-msg/sealmsg/directory/server"
	"github.com/nullspace-msg/sealmsg/wire"
)

// newTestPair spins up an in-process directory server (with its own
// SQLite-backed store) behind an httptest server, and a client wired to
// call it. ChunkPeriod is set long enough that the test drives commits
// itself via Flush, so proofs land at deterministic heights.
func newTestPair(t *testing.T) (*Client, *server.Directory) {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d, err := server.NewDirectory(server.Config{
		ID:          "test-directory",
		DBPath:      filepath.Join(t.TempDir(), "directory.db"),
		AnchorKey:   sk,
		PoWEffort:   1,
		PoWSeedTTL:  time.Minute,
		ChunkPeriod: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	httpSrv := httptest.NewServer(d.Mux())
	t.Cleanup(httpSrv.Close)

	c, err := New(Config{
		BaseURL:   httpSrv.URL,
		DBPath:    filepath.Join(t.TempDir(), "client.db"),
		AnchorKey: pk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, d
}

func TestInsertUserDescriptorThenQueryRawRoundTrips(t *testing.T) {
	ctx := context.Background()
	c, d := newTestPair(t)

	owner, err := certs.NewDeviceSecret()
	require.NoError(t, err)

	// Establish ownership: a bare AddOwner self-signed by the owner it
	// names. submitUpdate's poll succeeds as soon as the update is staged
	// (v1_get_item serves staged-but-uncommitted history), so no Flush is
	// needed for the submit itself.
	require.NoError(t, c.AddOwner(ctx, "@alice01", owner.Keys, owner.Public()))

	descriptor := wire.UserDescriptor{ServerName: "~homeserver1", RootCertHash: owner.Hash()}
	require.NoError(t, c.InsertUserDescriptor(ctx, "@alice01", owner.Keys, descriptor))

	// QueryRaw's SMT proof is only meaningful against a committed chunk.
	require.NoError(t, d.Flush(ctx))

	listing, err := c.QueryRaw(ctx, "@alice01")
	require.NoError(t, err)
	require.NotNil(t, listing.LatestValue)

	var got wire.UserDescriptor
	require.NoError(t, listing.LatestValue.Decode(&got))
	require.Equal(t, descriptor.ServerName, got.ServerName)
	require.Equal(t, descriptor.RootCertHash, got.RootCertHash)
}

func TestSyncProgressReflectsAnchorHeight(t *testing.T) {
	ctx := context.Background()
	c, d := newTestPair(t)

	owner, err := certs.NewDeviceSecret()
	require.NoError(t, err)
	require.NoError(t, c.AddOwner(ctx, "@bob0001", owner.Keys, owner.Public()))
	require.NoError(t, d.Flush(ctx))

	local, anchor, err := c.SyncProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), anchor)
	require.Equal(t, anchor, local)
}
