// Package roster implements the group roster state machine spec §4.8
// describes: a per-group map of username to membership status, advanced
// by replaying GroupManageMsg transitions from the group's management
// mailbox.
package roster

import (
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
)

// State is one group's roster: its member map plus a monotonic version
// bumped on every materially-changing transition.
type State struct {
	Members map[wire.UserName]wire.RosterEntry
	Version int64
}

// Initial builds the roster for a freshly created group: the founding
// admin, accepted, version 1.
func Initial(admin wire.UserName) State {
	return State{
		Members: map[wire.UserName]wire.RosterEntry{
			admin: {IsAdmin: true, Status: wire.StatusAccepted},
		},
		Version: 1,
	}
}

// FromStore reconstructs a State from the persisted member rows.
func FromStore(members []store.Member, version int64) State {
	s := State{Members: make(map[wire.UserName]wire.RosterEntry, len(members)), Version: version}
	for _, m := range members {
		s.Members[m.Username] = wire.RosterEntry{IsAdmin: m.IsAdmin, Status: wire.RosterStatus(m.Status)}
	}
	return s
}

// ToStore flattens a State into the rows store.SaveRoster persists.
func (s State) ToStore() []store.Member {
	out := make([]store.Member, 0, len(s.Members))
	for user, entry := range s.Members {
		out = append(out, store.Member{Username: user, IsAdmin: entry.IsAdmin, Status: int(entry.Status)})
	}
	return out
}

// ActiveAdminCount returns the number of members with status Accepted or
// Pending who also hold admin rights — the denominator of the rekey
// loop's per-evaluation probability (spec §4.8, "Group rekey loop").
func (s State) ActiveAdminCount() int {
	n := 0
	for _, entry := range s.Members {
		if entry.IsAdmin && (entry.Status == wire.StatusAccepted || entry.Status == wire.StatusPending) {
			n++
		}
	}
	return n
}

// IsActiveAdmin reports whether user is currently an admin in good
// standing, the precondition Ban/Unban/AddAdmin/RemoveAdmin all share and
// the check rekey-receive uses to confirm the sender's authority.
func (s State) IsActiveAdmin(user wire.UserName) bool {
	entry, ok := s.Members[user]
	return ok && entry.IsAdmin && (entry.Status == wire.StatusAccepted || entry.Status == wire.StatusPending)
}

func (s State) active(user wire.UserName) (wire.RosterEntry, bool) {
	entry, ok := s.Members[user]
	if !ok || entry.Status == wire.StatusBanned {
		return wire.RosterEntry{}, false
	}
	return entry, true
}

// Apply runs the transition table (spec §4.8, "Roster state machine") for
// one (sender, msg) pair, returning the resulting state. A rejected
// message is a silent no-op: the returned state is s itself, unchanged.
func Apply(s State, sender wire.UserName, msg wire.GroupManageMsg) State {
	senderEntry, senderActive := s.active(sender)
	senderAdmin := senderActive && senderEntry.IsAdmin

	switch msg.Kind {
	case wire.MsgInviteSent:
		if !senderActive {
			return s
		}
		if _, ok := s.Members[msg.Target]; ok {
			return s
		}
		return s.with(msg.Target, wire.RosterEntry{IsAdmin: false, Status: wire.StatusPending})

	case wire.MsgInviteAccepted:
		if existing, ok := s.Members[sender]; ok && existing.Status == wire.StatusBanned {
			return s
		}
		return s.with(sender, wire.RosterEntry{IsAdmin: false, Status: wire.StatusAccepted})

	case wire.MsgLeave:
		if existing, ok := s.Members[sender]; !ok || existing.Status == wire.StatusBanned {
			return s
		}
		return s.without(sender)

	case wire.MsgBan:
		if !senderAdmin {
			return s
		}
		return s.with(msg.Target, wire.RosterEntry{IsAdmin: false, Status: wire.StatusBanned})

	case wire.MsgUnban:
		if !senderAdmin {
			return s
		}
		existing, ok := s.Members[msg.Target]
		if !ok || existing.Status != wire.StatusBanned {
			return s
		}
		return s.with(msg.Target, wire.RosterEntry{IsAdmin: false, Status: wire.StatusPending})

	case wire.MsgAddAdmin:
		if !senderAdmin {
			return s
		}
		existing, ok := s.active(msg.Target)
		if !ok {
			return s
		}
		existing.IsAdmin = true
		return s.with(msg.Target, existing)

	case wire.MsgRemoveAdmin:
		if !senderAdmin {
			return s
		}
		existing, ok := s.active(msg.Target)
		if !ok {
			return s
		}
		existing.IsAdmin = false
		return s.with(msg.Target, existing)

	default:
		return s
	}
}

// with returns a copy of s with user set to entry and the version bumped,
// unless that assignment is a no-op (same entry already on file).
func (s State) with(user wire.UserName, entry wire.RosterEntry) State {
	if existing, ok := s.Members[user]; ok && existing == entry {
		return s
	}
	out := State{Members: make(map[wire.UserName]wire.RosterEntry, len(s.Members)+1), Version: s.Version + 1}
	for u, e := range s.Members {
		out.Members[u] = e
	}
	out.Members[user] = entry
	return out
}

// without returns a copy of s with user removed and the version bumped.
func (s State) without(user wire.UserName) State {
	if _, ok := s.Members[user]; !ok {
		return s
	}
	out := State{Members: make(map[wire.UserName]wire.RosterEntry, len(s.Members)), Version: s.Version + 1}
	for u, e := range s.Members {
		if u == user {
			continue
		}
		out.Members[u] = e
	}
	return out
}
