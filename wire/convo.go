package wire

// ConvoMessage is a locally-persisted, decrypted message in a conversation.
// Outgoing messages start with ReceivedAt and SendError both unset and move
// to exactly one terminal state (spec §3).
type ConvoMessage struct {
	Id         int64
	ConvoId    ConvoId
	Sender     UserName
	Mime       string
	Body       []byte
	SentAt     NanoTimestamp
	ReceivedAt *NanoTimestamp
	SendError  *string
}

// Pending reports whether the message is still in the outgoing queue.
func (m ConvoMessage) Pending() bool {
	return m.ReceivedAt == nil && m.SendError == nil
}
