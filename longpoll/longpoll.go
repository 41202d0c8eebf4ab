// Package longpoll implements the process-wide long-poll worker spec §4.9
// describes: one goroutine per server client coalesces every caller's
// PollRequest into a single v1_mailbox_multirecv call and fans the
// response back out, adapting its timeout window to observed traffic.
package longpoll

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
)

const (
	minTimeout  = 15 * time.Second
	maxTimeout  = 30 * time.Minute
	timeoutStep = 5 * time.Second
)

// PollRequest asks the worker to deliver the next mailbox entry with
// received_at strictly greater than After.
type PollRequest struct {
	Auth    wire.AuthToken
	Mailbox wire.MailboxId
	After   wire.NanoTimestamp
	reply   chan pollResult
}

type pollResult struct {
	entry wire.MailboxEntry
	err   error
}

type recvKey struct {
	mailbox wire.MailboxId
	auth    wire.AuthToken
}

// Worker is the per-server-client long-poll singleton. Callers never touch
// RPC timeouts directly; Poll just blocks until an entry is ready, the
// caller's context is cancelled, or the worker is stopped.
type Worker struct {
	rpc *rpcwire.Client

	requests chan PollRequest
	shutdown chan struct{}
	done     chan struct{}
}

// NewWorker starts the worker's background loop against rpc and returns
// immediately.
func NewWorker(rpc *rpcwire.Client) *Worker {
	w := &Worker{
		rpc:      rpc,
		requests: make(chan PollRequest),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop tells the worker to exit; every request still pending at that point
// fails with sealerr.RetryLater.
func (w *Worker) Stop() {
	close(w.shutdown)
	<-w.done
}

// Poll blocks until mailbox has an entry with received_at > after, ctx is
// cancelled, or the worker stops. Callers must feed the returned entry's
// ReceivedAt back in as the next after to keep the cursor strictly
// advancing (spec §4.9's ordering guarantee).
func (w *Worker) Poll(ctx context.Context, auth wire.AuthToken, mb wire.MailboxId, after wire.NanoTimestamp) (wire.MailboxEntry, error) {
	req := PollRequest{Auth: auth, Mailbox: mb, After: after, reply: make(chan pollResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return wire.MailboxEntry{}, ctx.Err()
	case <-w.done:
		return wire.MailboxEntry{}, sealerr.RetryLater
	}
	select {
	case res := <-req.reply:
		return res.entry, res.err
	case <-ctx.Done():
		return wire.MailboxEntry{}, ctx.Err()
	}
}

// run is the worker's event loop: gather pending requests, coalesce them
// by (mailbox, auth) keeping the minimum after, race a new request / a
// shutdown / the multirecv response, then complete whichever requests the
// response satisfies and loop on the rest.
func (w *Worker) run() {
	defer close(w.done)
	log := logging.From(context.Background())

	timeout := minTimeout
	var pending []PollRequest

	for {
		if len(pending) == 0 {
			select {
			case req := <-w.requests:
				pending = append(pending, req)
				continue
			case <-w.shutdown:
				return
			}
		}

		args, keys := coalesce(pending)
		resultCh := make(chan multirecvOutcome, 1)
		callCtx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
		go func() {
			entries, err := callMultirecv(callCtx, w.rpc, args, timeout)
			resultCh <- multirecvOutcome{entries: entries, err: err}
		}()

		select {
		case req := <-w.requests:
			pending = append(pending, req)
			cancel()
			<-resultCh // drop this round's response; the next round reissues with the new request folded in
		case <-w.shutdown:
			cancel()
			<-resultCh
			failAll(pending, sealerr.RetryLater)
			return
		case outcome := <-resultCh:
			cancel()
			if outcome.err != nil {
				timeout = backoff(timeout, outcome.err)
				if !errors.Is(outcome.err, sealerr.RetryLater) {
					log.Warnw("longpoll: multirecv failed", "err", outcome.err)
				}
				continue
			}
			pending = deliver(pending, keys, outcome.entries)
			if emptyResponse(outcome.entries) {
				timeout = growTimeout(timeout)
			}
		}
	}
}

type multirecvOutcome struct {
	entries map[wire.MailboxId][]wire.MailboxEntry
	err     error
}

// coalesce groups pending by (mailbox, auth), keeping the minimum after
// per group, and builds the mailbox.RecvArg slice for one multirecv call.
func coalesce(pending []PollRequest) ([]mailbox.RecvArg, []recvKey) {
	mins := make(map[recvKey]wire.NanoTimestamp)
	for _, req := range pending {
		k := recvKey{mailbox: req.Mailbox, auth: req.Auth}
		if cur, ok := mins[k]; !ok || req.After < cur {
			mins[k] = req.After
		}
	}
	keys := make([]recvKey, 0, len(mins))
	for k := range mins {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].mailbox.String() < keys[j].mailbox.String() })
	args := make([]mailbox.RecvArg, len(keys))
	for i, k := range keys {
		args[i] = mailbox.RecvArg{Auth: k.auth, Mailbox: k.mailbox, After: mins[k]}
	}
	return args, keys
}

// deliver completes every pending request whose mailbox carries an entry
// strictly after its own after, returning the requests still unsatisfied.
func deliver(pending []PollRequest, keys []recvKey, entries map[wire.MailboxId][]wire.MailboxEntry) []PollRequest {
	still := pending[:0]
	for _, req := range pending {
		list := entries[req.Mailbox]
		found := false
		for _, e := range list {
			if e.ReceivedAt > req.After {
				req.reply <- pollResult{entry: e}
				found = true
				break
			}
		}
		if !found {
			still = append(still, req)
		}
	}
	return still
}

func failAll(pending []PollRequest, err error) {
	for _, req := range pending {
		req.reply <- pollResult{err: err}
	}
}

func emptyResponse(entries map[wire.MailboxId][]wire.MailboxEntry) bool {
	for _, list := range entries {
		if len(list) > 0 {
			return false
		}
	}
	return true
}

// backoff implements the multiplicative half of spec §4.9's AIMD timeout:
// halve on network error, floored at minTimeout.
func backoff(timeout time.Duration, err error) time.Duration {
	if !errors.Is(err, rpcwire.ErrRPCTransport) {
		return timeout
	}
	next := timeout / 2
	if next < minTimeout {
		next = minTimeout
	}
	return next
}

// growTimeout implements the additive half: on an empty (no-entries)
// success, step up by 5s, capped at maxTimeout.
func growTimeout(timeout time.Duration) time.Duration {
	next := timeout + timeoutStep
	if next > maxTimeout {
		next = maxTimeout
	}
	return next
}

func callMultirecv(ctx context.Context, rpc *rpcwire.Client, args []mailbox.RecvArg, timeout time.Duration) (map[wire.MailboxId][]wire.MailboxEntry, error) {
	type wireArg struct {
		Auth    wire.AuthToken     `json:"auth"`
		Mailbox wire.MailboxId     `json:"mailbox"`
		After   wire.NanoTimestamp `json:"after"`
	}
	wireArgs := make([]wireArg, len(args))
	for i, a := range args {
		wireArgs[i] = wireArg{Auth: a.Auth, Mailbox: a.Mailbox, After: a.After}
	}
	var reply map[wire.MailboxId][]wire.MailboxEntry
	err := rpc.Call(ctx, "v1_mailbox_multirecv", struct {
		Args      []wireArg `json:"args"`
		TimeoutMs int64     `json:"timeout_ms"`
	}{wireArgs, timeout.Milliseconds()}, &reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}
