// Package sendqueue implements the single outgoing-message worker spec
// §4.10 describes: convo_messages rows with no received_at and no
// send_error are the pending queue, drained oldest-first and dispatched
// to the DM or group send pipeline depending on the row's conversation
// kind.
package sendqueue

import (
	"context"
	"errors"

	"github.com/nullspace-msg/sealmsg/dm"
	"github.com/nullspace-msg/sealmsg/group"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/wire"
	"go.uber.org/zap"
)

// Worker drains one client's pending send queue. One instance per local
// identity/session, matching the spec's "a single worker" per process.
type Worker struct {
	store  *store.Store
	notify *store.DbNotify
	dm     *dm.Pipeline
	group  *group.Pipeline

	id      identity.Identity
	ownAuth wire.AuthToken

	shutdown chan struct{}
	done     chan struct{}
}

// NewWorker starts the queue's background loop and returns immediately.
func NewWorker(st *store.Store, notify *store.DbNotify, dmPipeline *dm.Pipeline, groupPipeline *group.Pipeline, id identity.Identity, ownAuth wire.AuthToken) *Worker {
	w := &Worker{
		store:    st,
		notify:   notify,
		dm:       dmPipeline,
		group:    groupPipeline,
		id:       id,
		ownAuth:  ownAuth,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.shutdown)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	ctx := context.Background()
	log := logging.From(ctx)

	for {
		drained := w.drainOnce(ctx, log)
		if drained {
			continue // more rows may be pending; don't wait on notify
		}

		_, wake := w.notify.Wait()
		select {
		case <-wake:
		case <-w.shutdown:
			return
		}
	}
}

// drainOnce dispatches at most one pending row, reporting whether it
// found one at all (so the caller can keep draining without waiting on
// the notify channel).
func (w *Worker) drainOnce(ctx context.Context, log *zap.SugaredLogger) bool {
	msg, ok, err := w.store.NextPending(ctx)
	if err != nil {
		log.Errorw("sendqueue: cannot read pending row", "err", err)
		return false
	}
	if !ok {
		return false
	}

	receivedAt, err := w.dispatch(ctx, msg)
	if err != nil {
		if sealerr.IsAccessDenied(err) || !sealerr.IsRetryLater(err) {
			if markErr := w.store.MarkFailed(ctx, msg.ID, wire.Now(), err.Error()); markErr != nil {
				log.Errorw("sendqueue: cannot mark row failed", "id", msg.ID, "err", markErr)
			}
			return true
		}
		// Retry-later: leave the row pending and report false, so run
		// waits for the next notify wake before NextPending returns this
		// row again.
		log.Errorw("sendqueue: send failed, will retry", "id", msg.ID, "err", err)
		return false
	}

	// Both pipelines' Send calls resolve the server-assigned received_at
	// synchronously (DM via its own self-echo, group via the same
	// v1_mailbox_send response every other member's entry comes from), so
	// unlike an asynchronously-arriving echo there is no separate insert
	// for this row to collide with; MarkSent always applies cleanly.
	if err := w.store.MarkSent(ctx, msg.ID, receivedAt); err != nil {
		log.Errorw("sendqueue: cannot mark row sent", "id", msg.ID, "err", err)
	}
	return true
}

// dispatch sends one pending row via the DM pipeline (direct convo) or the
// group pipeline (group convo), returning the server-assigned timestamp
// the row should be marked sent with.
func (w *Worker) dispatch(ctx context.Context, msg store.ConvoMessage) (wire.NanoTimestamp, error) {
	switch msg.ConvoId.Kind {
	case wire.ConvoDirect:
		return w.dm.Send(ctx, w.id, w.ownAuth, msg.ConvoId.Peer, msg.Mime, msg.Body, msg.SentAt)
	case wire.ConvoGroup:
		g, ok, err := w.store.LoadGroup(ctx, msg.ConvoId.Group)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.New("sendqueue: no local group record for pending group send")
		}
		return w.group.SendMessage(ctx, w.id, g, msg.Mime, msg.Body, msg.SentAt)
	default:
		return 0, errors.New("sendqueue: unrecognized convo kind")
	}
}
