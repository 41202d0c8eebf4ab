package mailbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randToken(t *testing.T) wire.AuthToken {
	t.Helper()
	var tok wire.AuthToken
	copy(tok[:], xcrypto.Hash([]byte(t.Name()+time.Now().String()))[:20])
	return tok
}

func TestDirectMailboxAnonymousSendDeviceRecv(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@alice01")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@alice01", xcrypto.Hash(device[:])))

	blob, err := wire.NewBlob(wire.KindMessageContent, []byte("hello"))
	require.NoError(t, err)
	_, err = s.Send(ctx, wire.Anonymous, id, blob, 0)
	require.NoError(t, err)

	result, err := s.Multirecv(ctx, []RecvArg{{Auth: device, Mailbox: id, After: 0}}, time.Second)
	require.NoError(t, err)
	entries, ok := result[id]
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, wire.KindMessageContent, entries[0].Message.Kind)
}

func TestSendWithoutACLGrantIsDenied(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	id := DirectMailboxId("@bob0001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@bob0001", xcrypto.Hash(randToken(t)[:])))

	blob, _ := wire.NewBlob(wire.KindMessageContent, []byte("x"))
	stranger := randToken(t)
	_, err := s.Send(ctx, stranger, id, blob, 0)
	require.Error(t, err)
}

func TestMultirecvBlocksUntilNotified(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@carol01")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@carol01", xcrypto.Hash(device[:])))

	done := make(chan map[wire.MailboxId][]wire.MailboxEntry, 1)
	go func() {
		result, err := s.Multirecv(ctx, []RecvArg{{Auth: device, Mailbox: id, After: 0}}, 2*time.Second)
		require.NoError(t, err)
		done <- result
	}()

	time.Sleep(50 * time.Millisecond)
	blob, _ := wire.NewBlob(wire.KindMessageContent, []byte("late"))
	_, err := s.Send(ctx, wire.Anonymous, id, blob, 0)
	require.NoError(t, err)

	select {
	case result := <-done:
		require.Len(t, result[id], 1)
	case <-time.After(2 * time.Second):
		t.Fatal("multirecv never observed the notify-bus arrival")
	}
}

func TestMultirecvTimesOutOnEmptyMailbox(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@dana0001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@dana0001", xcrypto.Hash(device[:])))

	start := time.Now()
	result, err := s.Multirecv(ctx, []RecvArg{{Auth: device, Mailbox: id, After: 0}}, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, result)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestACLEditSelfRemoval(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@erin0001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@erin0001", xcrypto.Hash(device[:])))

	err := s.EditACL(ctx, device, id, wire.ACLEntry{TokenHash: xcrypto.Hash(device[:]), Bits: wire.ACLBits{}})
	require.NoError(t, err)

	_, ok, err := s.resolveACL(ctx, id, device)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestACLEditInsertBySubsetWithoutEditGrant(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@frank001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@frank001", xcrypto.Hash(device[:])))

	newcomer := randToken(t)
	err := s.EditACL(ctx, device, id, wire.ACLEntry{TokenHash: xcrypto.Hash(newcomer[:]), Bits: wire.ACLBits{CanRecv: true}})
	require.NoError(t, err)

	bits, ok, err := s.resolveACL(ctx, id, newcomer)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, bits.CanRecv)
}

func TestACLEditRequiresEditGrantForOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@gina0001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@gina0001", xcrypto.Hash(device[:])))

	err := s.EditACL(ctx, device, id, wire.ACLEntry{TokenHash: xcrypto.Hash(wire.Anonymous[:]), Bits: wire.ACLBits{CanSend: true, CanEditACL: true}})
	require.Error(t, err)
}

func TestJanitorPurgesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	device := randToken(t)
	id := DirectMailboxId("@hank0001")
	require.NoError(t, s.EnsureDirectMailbox(ctx, "@hank0001", xcrypto.Hash(device[:])))

	blob, _ := wire.NewBlob(wire.KindMessageContent, []byte("ephemeral"))
	_, err := s.Send(ctx, wire.Anonymous, id, blob, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := s.store.deleteExpired(ctx, wire.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	result, err := s.Multirecv(ctx, []RecvArg{{Auth: device, Mailbox: id, After: 0}}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, result)
}
