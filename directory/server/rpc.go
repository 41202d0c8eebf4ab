package server

import (
	"context"
	"encoding/json"

	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/wire"
)

// Mux builds the JSON-RPC dispatch table for this directory's RPC surface:
// v1_get_pow_seed, v1_get_anchor, v1_get_chunk, v1_get_headers, v1_get_item,
// v1_insert_update (spec §7).
func (d *Directory) Mux() *rpcwire.Mux {
	mux := rpcwire.NewMux()

	mux.Handle("v1_get_pow_seed", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return d.IssuePoWSeed(ctx)
	})

	mux.Handle("v1_get_anchor", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return d.GetAnchor(ctx)
	})

	mux.Handle("v1_get_chunk", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Height uint64 `json:"height"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		chunk, ok, err := d.GetChunk(ctx, params.Height)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return chunk, nil
	})

	mux.Handle("v1_get_headers", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			First uint64 `json:"first"`
			Last  uint64 `json:"last"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		return d.GetHeaders(ctx, params.First, params.Last)
	})

	mux.Handle("v1_get_item", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Key string `json:"key"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		return d.GetItem(ctx, params.Key)
	})

	mux.Handle("v1_insert_update", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Key    string              `json:"key"`
			Update wire.DirectoryUpdate `json:"update"`
			PoW    wire.PoWSolution     `json:"pow"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		if err := d.InsertUpdate(ctx, params.Key, params.Update, params.PoW); err != nil {
			return nil, err
		}
		return struct {
			OK bool `json:"ok"`
		}{true}, nil
	})

	return mux
}
