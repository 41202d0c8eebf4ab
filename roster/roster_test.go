package roster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullspace-msg/sealmsg/wire"
)

func TestInitialHasFoundingAdmin(t *testing.T) {
	s := Initial("@admin01")
	require.Equal(t, int64(1), s.Version)
	require.True(t, s.IsActiveAdmin("@admin01"))
	require.Equal(t, 1, s.ActiveAdminCount())
}

func TestInviteSentThenAccepted(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	require.Equal(t, int64(2), s.Version)
	require.Equal(t, wire.StatusPending, s.Members["@bob0001"].Status)

	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})
	require.Equal(t, int64(3), s.Version)
	require.Equal(t, wire.StatusAccepted, s.Members["@bob0001"].Status)
}

func TestNonAdminCannotBan(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})
	before := s.Version

	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgBan, Target: "@admin01"})
	require.Equal(t, before, s.Version)
	require.Equal(t, wire.StatusAccepted, s.Members["@admin01"].Status)
}

func TestAdminBanAndUnban(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})

	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgBan, Target: "@bob0001"})
	require.Equal(t, wire.StatusBanned, s.Members["@bob0001"].Status)

	// A banned member cannot re-accept or be re-invited while banned.
	rejected := Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})
	require.Equal(t, s.Version, rejected.Version)

	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgUnban, Target: "@bob0001"})
	require.Equal(t, wire.StatusPending, s.Members["@bob0001"].Status)
}

func TestAddAndRemoveAdmin(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})

	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgAddAdmin, Target: "@bob0001"})
	require.True(t, s.Members["@bob0001"].IsAdmin)
	require.Equal(t, 2, s.ActiveAdminCount())

	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgRemoveAdmin, Target: "@bob0001"})
	require.False(t, s.Members["@bob0001"].IsAdmin)
	require.Equal(t, 1, s.ActiveAdminCount())
}

func TestAdminPromotionBeforeAcceptance(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgAddAdmin, Target: "@bob0001"})
	require.True(t, s.Members["@bob0001"].IsAdmin)
	require.Equal(t, wire.StatusPending, s.Members["@bob0001"].Status)

	// A duplicate InviteSent against an already-present target (even one
	// that's still Pending) must be a no-op, not a second upsert that
	// would silently strip the admin flag just granted.
	before := s
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	require.Equal(t, before.Version, s.Version)
	require.True(t, s.Members["@bob0001"].IsAdmin)

	// Acceptance always resets is_admin to false per the transition
	// table, even though the member held admin rights while Pending.
	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})
	require.Equal(t, wire.StatusAccepted, s.Members["@bob0001"].Status)
	require.False(t, s.Members["@bob0001"].IsAdmin)
}

func TestLeaveRemovesMember(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})
	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgInviteAccepted})

	s = Apply(s, "@bob0001", wire.GroupManageMsg{Kind: wire.MsgLeave})
	_, present := s.Members["@bob0001"]
	require.False(t, present)
}

func TestStoreRoundTrip(t *testing.T) {
	s := Initial("@admin01")
	s = Apply(s, "@admin01", wire.GroupManageMsg{Kind: wire.MsgInviteSent, Target: "@bob0001"})

	rows := s.ToStore()
	require.Len(t, rows, 2)

	restored := FromStore(rows, s.Version)
	require.Equal(t, s.Members, restored.Members)
}
