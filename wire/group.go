package wire

// GroupDescriptor is the immutable founding record of a group; its GroupId
// is the Hash of its canonical encoding.
type GroupDescriptor struct {
	Nonce         [16]byte      `cbor:"1,keyasint"`
	InitAdmin     UserName      `cbor:"2,keyasint"`
	CreatedAt     NanoTimestamp `cbor:"3,keyasint"`
	Server        ServerName    `cbor:"4,keyasint"`
	ManagementKey [32]byte      `cbor:"5,keyasint"`
}

// GroupManageMsgKind tags the variant carried by a management-mailbox message.
type GroupManageMsgKind int

const (
	MsgInviteSent GroupManageMsgKind = iota
	MsgInviteAccepted
	MsgLeave
	MsgBan
	MsgUnban
	MsgAddAdmin
	MsgRemoveAdmin
)

// GroupManageMsg is the payload of a group-management mailbox entry, signed
// and encrypted as described in spec §4.8.
type GroupManageMsg struct {
	Kind GroupManageMsgKind `cbor:"1,keyasint"`
	// Target is the username the message names, when applicable
	// (InviteSent/Ban/Unban/AddAdmin/RemoveAdmin). Empty for
	// Leave/InviteAccepted, which are always about the sender.
	Target UserName `cbor:"2,keyasint,omitempty"`
}

// GroupInviteMsg is sent over a DM to the invitee.
type GroupInviteMsg struct {
	Descriptor GroupDescriptor `cbor:"1,keyasint"`
	GroupKey   [32]byte        `cbor:"2,keyasint"`
	Token      AuthToken       `cbor:"3,keyasint"`
	CreatedAt  NanoTimestamp   `cbor:"4,keyasint"`
}

// SignedGroupMessage is the inner, device-signed payload for a group
// message or a management message, before symmetric encryption.
type SignedGroupMessage struct {
	Group       GroupId  `cbor:"1,keyasint"`
	Sender      UserName `cbor:"2,keyasint"`
	SenderChain []byte   `cbor:"3,keyasint"` // canonical cert chain
	Message     Blob     `cbor:"4,keyasint"`
	Signature   []byte   `cbor:"5,keyasint"`
}

type signedGroupMessageTuple struct {
	Group   GroupId `cbor:"1,keyasint"`
	Sender  UserName `cbor:"2,keyasint"`
	Message Blob    `cbor:"4,keyasint"`
}

// SignedBytes returns the canonical bytes SignedGroupMessage.Signature covers.
func (s SignedGroupMessage) SignedBytes() ([]byte, error) {
	return Canonical(signedGroupMessageTuple{Group: s.Group, Sender: s.Sender, Message: s.Message})
}

// RosterStatus is a group member's membership state.
type RosterStatus int

const (
	StatusPending RosterStatus = iota
	StatusAccepted
	StatusBanned
)

// RosterEntry is one member's derived roster row.
type RosterEntry struct {
	IsAdmin bool
	Status  RosterStatus
}
