package fragments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/wire"
)

// Register wires v1_upload_frag and v1_download_frag into mux (spec §6).
func (s *Server) Register(mux *rpcwire.Mux) {
	mux.Handle("v1_upload_frag", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth  wire.AuthToken `json:"auth"`
			Frag  wire.Fragment  `json:"frag"`
			TTLMs int64          `json:"ttl_ms"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		hash, err := s.Upload(ctx, params.Auth, params.Frag, time.Duration(params.TTLMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return struct {
			Hash wire.Hash `json:"hash"`
		}{hash}, nil
	})

	mux.Handle("v1_download_frag", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Hash wire.Hash `json:"hash"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		frag, ok, err := s.Download(ctx, params.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return struct {
				Found bool `json:"found"`
			}{false}, nil
		}
		return struct {
			Found bool          `json:"found"`
			Frag  wire.Fragment `json:"frag"`
		}{true, frag}, nil
	})
}
