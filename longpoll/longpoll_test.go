package longpoll

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

func newTestWorker(t *testing.T) (*mailbox.Server, *Worker) {
	t.Helper()
	mbox, err := mailbox.NewServer(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mbox.Close() })

	mux := rpcwire.NewMux()
	mbox.Register(mux)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	rpc := rpcwire.NewClient(httpSrv.URL)
	w := NewWorker(rpc)
	t.Cleanup(w.Stop)
	return mbox, w
}

func TestPollReturnsAlreadyPresentEntry(t *testing.T) {
	ctx := context.Background()
	mbox, w := newTestWorker(t)

	device := wire.AuthToken{1, 2, 3}
	id := mailbox.DirectMailboxId("@alice01")
	require.NoError(t, mbox.EnsureDirectMailbox(ctx, "@alice01", xcrypto.Hash(device[:])))

	blob, err := wire.NewBlob(wire.KindMessageContent, []byte("hi"))
	require.NoError(t, err)
	_, err = mbox.Send(ctx, wire.Anonymous, id, blob, 0)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	entry, err := w.Poll(callCtx, device, id, 0)
	require.NoError(t, err)
	require.Equal(t, wire.KindMessageContent, entry.Message.Kind)
}

func TestPollCoalescesConcurrentWaiters(t *testing.T) {
	ctx := context.Background()
	mbox, w := newTestWorker(t)

	device := wire.AuthToken{4, 5, 6}
	id := mailbox.DirectMailboxId("@bob0001")
	require.NoError(t, mbox.EnsureDirectMailbox(ctx, "@bob0001", xcrypto.Hash(device[:])))

	type result struct {
		entry wire.MailboxEntry
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			entry, err := w.Poll(callCtx, device, id, 0)
			results <- result{entry, err}
		}()
	}

	time.Sleep(50 * time.Millisecond) // let both Poll calls register with the worker
	blob, err := wire.NewBlob(wire.KindMessageContent, []byte("hi both"))
	require.NoError(t, err)
	_, err = mbox.Send(ctx, wire.Anonymous, id, blob, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, wire.KindMessageContent, r.entry.Message.Kind)
	}
}
