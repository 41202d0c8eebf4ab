package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullspace-msg/sealmsg/wire"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPendingQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	convo := wire.DirectConvo("@bob0001")
	require.NoError(t, s.EnsureConvo(ctx, convo, wire.Now()))

	id, err := s.InsertPending(ctx, convo, "@alice01", wire.KindMessageContent, []byte("hi"), wire.Now())
	require.NoError(t, err)

	_, ok, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.MarkSent(ctx, id, wire.Now()))
	_, ok, err = s.NextPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	msgs, err := s.Messages(ctx, convo)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReceivedAt)
}

func TestPendingQueueMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	convo := wire.DirectConvo("@bob0001")
	require.NoError(t, s.EnsureConvo(ctx, convo, wire.Now()))

	id, err := s.InsertPending(ctx, convo, "@alice01", wire.KindMessageContent, []byte("hi"), wire.Now())
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, id, wire.Now(), "peer unreachable"))

	_, ok, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	msgs, err := s.Messages(ctx, convo)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].SendError)
}

func TestInsertReceivedDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	convo := wire.DirectConvo("@bob0001")
	require.NoError(t, s.EnsureConvo(ctx, convo, wire.Now()))

	sentAt := wire.Now()
	require.NoError(t, s.InsertReceived(ctx, convo, "@bob0001", wire.KindMessageContent, []byte("hi"), sentAt, wire.Now()))
	require.NoError(t, s.InsertReceived(ctx, convo, "@bob0001", wire.KindMessageContent, []byte("hi"), sentAt, wire.Now()))

	msgs, err := s.Messages(ctx, convo)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMailboxCursorDefaultsToZeroAndAdvances(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var mbox wire.MailboxId
	mbox[0] = 7

	after, err := s.MailboxCursor(ctx, "~homeserver1", mbox)
	require.NoError(t, err)
	require.Equal(t, wire.NanoTimestamp(0), after)

	require.NoError(t, s.AdvanceMailboxCursor(ctx, "~homeserver1", mbox, 1234))
	after, err = s.MailboxCursor(ctx, "~homeserver1", mbox)
	require.NoError(t, err)
	require.Equal(t, wire.NanoTimestamp(1234), after)
}

func TestRosterSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var group wire.GroupId
	group[0] = 1

	require.NoError(t, s.SaveGroup(ctx, Group{GroupId: group, ServerName: "~homeserver1", RosterVersion: 0}))
	require.NoError(t, s.SaveRoster(ctx, group, 1, []Member{
		{Username: "@alice01", IsAdmin: true, Status: 1},
		{Username: "@bob0001", IsAdmin: false, Status: 0},
	}))

	members, err := s.Roster(ctx, group)
	require.NoError(t, err)
	require.Len(t, members, 2)

	g, ok, err := s.LoadGroup(ctx, group)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), g.RosterVersion)
}

func TestDbNotifyWakesWaiter(t *testing.T) {
	n := NewDbNotify()
	_, ch := n.Wait()
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	n.Bump()
	<-done
}
