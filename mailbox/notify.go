package mailbox

import (
	"sync"

	"github.com/nullspace-msg/sealmsg/wire"
)

// notifyBus is the "one counter per mailbox" arrival signal spec §4.3
// describes: multirecv races the current channel against its timeout, and
// every send closes and replaces it so every waiter observes the arrival
// exactly once.
type notifyBus struct {
	mu      sync.Mutex
	signals map[wire.MailboxId]chan struct{}
}

func newNotifyBus() *notifyBus {
	return &notifyBus{signals: make(map[wire.MailboxId]chan struct{})}
}

// wait returns the channel that closes the next time id is published to.
func (b *notifyBus) wait(id wire.MailboxId) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.signals[id]
	if !ok {
		ch = make(chan struct{})
		b.signals[id] = ch
	}
	return ch
}

// publish wakes every current waiter on id.
func (b *notifyBus) publish(id wire.MailboxId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.signals[id]; ok {
		close(ch)
	}
	b.signals[id] = make(chan struct{})
}
