// Package supervisor implements the roster/recv supervisor spec §5 names:
// the client-side loop that keeps one long-poll receiver running per known
// mailbox (the identity's own DM mailbox, plus every joined group's
// messages and management mailboxes), routes arriving entries into the DM
// or group pipeline, and aborts and respawns per-group tasks when the
// groups table changes. It also owns the group rekey scheduler spec §4.8
// describes and starts the send queue worker alongside them, so one
// Supervisor is the whole of a running client session.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/nullspace-msg/sealmsg/dm"
	"github.com/nullspace-msg/sealmsg/group"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/longpoll"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/roster"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sendqueue"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
)

// reconcileFallback bounds how long a joined/left group can go unnoticed
// when nothing else wakes the reconcile loop.
const reconcileFallback = 30 * time.Second

// retryBackoff is how long a mailbox receive loop waits after an
// unexpected (non-context-cancellation) poll error before retrying.
const retryBackoff = 5 * time.Second

// Supervisor drives one local identity's whole receive-and-send surface:
// its own DM mailbox, every joined group's mailboxes, the periodic rekey
// evaluation, and the outgoing send queue.
type Supervisor struct {
	id      identity.Identity
	ownAuth wire.AuthToken

	store *store.Store
	dm    *dm.Pipeline
	group *group.Pipeline
	poll  *longpoll.Worker
	send  *sendqueue.Worker

	mu         sync.Mutex
	groupTasks map[wire.GroupId]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Supervisor. rpc is the caller's server RPC client (the
// same one identity.ResolveServerRPC would hand back for id.ServerName);
// notify is the store's commit signal, shared with the send queue so both
// wake on the same writes.
func New(id identity.Identity, ownAuth wire.AuthToken, st *store.Store, dmPipeline *dm.Pipeline, groupPipeline *group.Pipeline, rpc *rpcwire.Client, notify *store.DbNotify) *Supervisor {
	return &Supervisor{
		id:         id,
		ownAuth:    ownAuth,
		store:      st,
		dm:         dmPipeline,
		group:      groupPipeline,
		poll:       longpoll.NewWorker(rpc),
		send:       sendqueue.NewWorker(st, notify, dmPipeline, groupPipeline, id, ownAuth),
		groupTasks: make(map[wire.GroupId]context.CancelFunc),
	}
}

// Run starts the own-mailbox receiver, the group reconciliation loop, and
// the rekey scheduler, then blocks until ctx is cancelled. On return every
// spawned goroutine (including per-group tasks) has exited and the long
// poll and send queue workers are stopped.
func (s *Supervisor) Run(ctx context.Context) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.recvOwnMailbox(ctx) }()
	go func() { defer s.wg.Done(); s.reconcileGroupsLoop(ctx) }()
	go func() { defer s.wg.Done(); s.rekeyLoop(ctx) }()

	<-ctx.Done()

	s.mu.Lock()
	for id, cancel := range s.groupTasks {
		cancel()
		delete(s.groupTasks, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.send.Stop()
	s.poll.Stop()
}

// recvOwnMailbox drives the identity's own direct-message mailbox,
// advancing its cursor and handing every arriving entry to the DM
// pipeline (spec §4.7).
func (s *Supervisor) recvOwnMailbox(ctx context.Context) {
	mb := mailbox.DirectMailboxId(s.id.Username)
	s.pollLoop(ctx, mb, func(entry wire.MailboxEntry) {
		s.dm.Receive(ctx, s.id, entry)
	})
}

// pollLoop repeatedly polls mb starting from its persisted cursor,
// invoking handle on each entry and advancing the cursor past it, until
// ctx is cancelled. Poll errors other than context cancellation are
// logged and retried after retryBackoff.
func (s *Supervisor) pollLoop(ctx context.Context, mb wire.MailboxId, handle func(wire.MailboxEntry)) {
	log := logging.From(ctx)
	after, err := s.store.MailboxCursor(ctx, s.id.ServerName, mb)
	if err != nil {
		log.Errorw("supervisor: cannot load mailbox cursor, starting from zero", "mailbox", mb.String(), "err", err)
		after = 0
	}
	for {
		entry, err := s.poll.Poll(ctx, s.ownAuth, mb, after)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("supervisor: mailbox poll failed, retrying", "mailbox", mb.String(), "err", err)
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		handle(entry)
		after = entry.ReceivedAt
		if err := s.store.AdvanceMailboxCursor(ctx, s.id.ServerName, mb, after); err != nil {
			log.Errorw("supervisor: cannot advance mailbox cursor", "mailbox", mb.String(), "err", err)
		}
	}
}

// reconcileGroupsLoop keeps groupTasks in sync with the groups table,
// spawning a task for every group newly present and cancelling the task
// for every group no longer present (spec §5: "aborts and respawns
// per-group tasks when the groups table changes").
func (s *Supervisor) reconcileGroupsLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileFallback)
	defer ticker.Stop()

	s.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Supervisor) reconcileOnce(ctx context.Context) {
	log := logging.From(ctx)
	groups, err := s.store.AllGroups(ctx)
	if err != nil {
		log.Errorw("supervisor: cannot list groups", "err", err)
		return
	}

	seen := make(map[wire.GroupId]bool, len(groups))
	s.mu.Lock()
	for _, g := range groups {
		seen[g.GroupId] = true
		if _, ok := s.groupTasks[g.GroupId]; ok {
			continue
		}
		gctx, cancel := context.WithCancel(ctx)
		s.groupTasks[g.GroupId] = cancel
		s.wg.Add(1)
		go func(g store.Group) {
			defer s.wg.Done()
			s.runGroupTask(gctx, g)
		}(g)
		log.Infow("supervisor: spawned group receive task", "group", g.GroupId.String())
	}
	for id, cancel := range s.groupTasks {
		if !seen[id] {
			cancel()
			delete(s.groupTasks, id)
			log.Infow("supervisor: cancelled group receive task for departed group", "group", id.String())
		}
	}
	s.mu.Unlock()
}

// runGroupTask polls a single group's messages and management mailboxes
// until gctx is cancelled, dispatching arriving entries to the group
// pipeline's receive paths.
func (s *Supervisor) runGroupTask(gctx context.Context, g store.Group) {
	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		s.pollLoop(gctx, mailbox.GroupMessagesMailboxId(g.GroupId), func(entry wire.MailboxEntry) {
			if entry.Message.Kind == wire.KindGroupRekey {
				s.group.ReceiveRekey(gctx, s.id, g, entry)
				return
			}
			s.group.ReceiveMessage(gctx, s.id, g, entry, false)
		})
	}()
	go func() {
		defer inner.Done()
		s.pollLoop(gctx, mailbox.GroupManagementMailboxId(g.GroupId), func(entry wire.MailboxEntry) {
			s.group.ReceiveMessage(gctx, s.id, g, entry, true)
		})
	}()
	inner.Wait()
}

// rekeyLoop implements spec §4.8's "the scheduler waits an exponential
// delay with mean one hour between evaluations": sleep, then evaluate
// MaybeRekey once for every group where the local identity is currently
// an active admin.
func (s *Supervisor) rekeyLoop(ctx context.Context) {
	log := logging.From(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(group.RekeyEvalInterval()):
		}

		groups, err := s.store.AllGroups(ctx)
		if err != nil {
			log.Errorw("supervisor: cannot list groups for rekey evaluation", "err", err)
			continue
		}
		for _, g := range groups {
			members, err := s.store.Roster(ctx, g.GroupId)
			if err != nil {
				log.Errorw("supervisor: cannot load roster for rekey evaluation", "group", g.GroupId.String(), "err", err)
				continue
			}
			state := roster.FromStore(members, g.RosterVersion)
			if !state.IsActiveAdmin(s.id.Username) {
				continue
			}
			if err := s.group.MaybeRekey(ctx, s.id, s.ownAuth, g); err != nil {
				log.Warnw("supervisor: rekey evaluation failed", "group", g.GroupId.String(), "err", err)
			}
		}
	}
}
