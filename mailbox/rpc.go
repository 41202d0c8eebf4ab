package mailbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Register wires the mailbox layer's RPC surface into mux: v1_mailbox_send,
// v1_mailbox_multirecv, v1_mailbox_acl_edit, v1_register_group (spec §7).
func (s *Server) Register(mux *rpcwire.Mux) {
	mux.Handle("v1_register_group", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth    wire.AuthToken `json:"auth"`
			GroupId wire.GroupId   `json:"group_id"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		if err := s.RegisterGroup(ctx, params.GroupId, xcrypto.Hash(params.Auth[:])); err != nil {
			return nil, err
		}
		return struct {
			OK bool `json:"ok"`
		}{true}, nil
	})

	mux.Handle("v1_mailbox_send", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth    wire.AuthToken `json:"auth"`
			Mailbox wire.MailboxId `json:"mailbox"`
			Blob    wire.Blob      `json:"blob"`
			TTLMs   int64          `json:"ttl_ms"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		receivedAt, err := s.Send(ctx, params.Auth, params.Mailbox, params.Blob, time.Duration(params.TTLMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return struct {
			OK         bool               `json:"ok"`
			ReceivedAt wire.NanoTimestamp `json:"received_at"`
		}{true, receivedAt}, nil
	})

	mux.Handle("v1_mailbox_multirecv", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Args []struct {
				Auth    wire.AuthToken     `json:"auth"`
				Mailbox wire.MailboxId     `json:"mailbox"`
				After   wire.NanoTimestamp `json:"after"`
			} `json:"args"`
			TimeoutMs int64 `json:"timeout_ms"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		args := make([]RecvArg, len(params.Args))
		for i, a := range params.Args {
			args[i] = RecvArg{Auth: a.Auth, Mailbox: a.Mailbox, After: a.After}
		}
		result, err := s.Multirecv(ctx, args, time.Duration(params.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	mux.Handle("v1_mailbox_acl_edit", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth    wire.AuthToken `json:"auth"`
			Mailbox wire.MailboxId `json:"mailbox"`
			ACL     wire.ACLEntry  `json:"acl"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		if err := s.EditACL(ctx, params.Auth, params.Mailbox, params.ACL); err != nil {
			return nil, err
		}
		return struct {
			OK bool `json:"ok"`
		}{true}, nil
	})
}
