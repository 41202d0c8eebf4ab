package wire

import "time"

// NanoTimestamp is a monotonically-assigned server-side receive time,
// nanoseconds since the Unix epoch. Mailbox entries are ordered first by
// this value and then by EntryId.
type NanoTimestamp int64

// Now returns the current wall-clock time as a NanoTimestamp. Servers call
// this exactly once per mailbox send, under the single-writer-per-mailbox
// discipline described in spec §5.
func Now() NanoTimestamp {
	return NanoTimestamp(time.Now().UnixNano())
}

// Time converts back to a time.Time for display/logging purposes.
func (n NanoTimestamp) Time() time.Time {
	return time.Unix(0, int64(n))
}

// After reports whether n is strictly after other, the ordering guarantee
// callers rely on to advance a mailbox cursor.
func (n NanoTimestamp) After(other NanoTimestamp) bool {
	return n > other
}
