package session

import (
	"context"
	"encoding/json"

	"github.com/nullspace-msg/sealmsg/certs"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/wire"
)

// Register wires the device-session RPC surface into mux: v1_device_auth,
// v1_device_add_medium_pk, v1_device_certs, v1_device_medium_pks,
// v1_proxy_server, v1_proxy_directory (spec §7).
func (s *Server) Register(mux *rpcwire.Mux) {
	mux.Handle("v1_device_auth", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Username wire.UserName          `json:"username"`
			Chain    certs.CertificateChain `json:"chain"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		token, err := s.DeviceAuth(ctx, params.Username, params.Chain)
		if err != nil {
			return nil, err
		}
		return struct {
			Token wire.AuthToken `json:"token"`
		}{token}, nil
	})

	mux.Handle("v1_device_add_medium_pk", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth   wire.AuthToken      `json:"auth"`
			Signed wire.SignedMediumPK `json:"signed"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		if err := s.DeviceAddMediumPK(ctx, params.Auth, params.Signed); err != nil {
			return nil, err
		}
		return struct {
			OK bool `json:"ok"`
		}{true}, nil
	})

	mux.Handle("v1_device_certs", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Username wire.UserName `json:"username"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		chains, err := s.DeviceCerts(ctx, params.Username)
		if err != nil {
			return nil, err
		}
		return struct {
			Chains map[wire.Hash]certs.CertificateChain `json:"chains"`
		}{chains}, nil
	})

	mux.Handle("v1_device_medium_pks", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Username wire.UserName `json:"username"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		pks, err := s.DeviceMediumPKs(ctx, params.Username)
		if err != nil {
			return nil, err
		}
		return struct {
			MediumPKs map[wire.Hash]wire.SignedMediumPK `json:"medium_pks"`
		}{pks}, nil
	})

	mux.Handle("v1_proxy_server", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth       wire.AuthToken  `json:"auth"`
			ServerName wire.ServerName `json:"server_name"`
			Method     string          `json:"method"`
			Params     json.RawMessage `json:"params"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		result, err := s.ProxyServer(ctx, params.Auth, params.ServerName, params.Method, params.Params)
		if err != nil {
			return nil, err
		}
		return struct {
			Result json.RawMessage `json:"result"`
		}{result}, nil
	})

	mux.Handle("v1_proxy_directory", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params struct {
			Auth   wire.AuthToken  `json:"auth"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := rpcwire.DecodeParams(raw, &params); err != nil {
			return nil, err
		}
		result, err := s.ProxyDirectory(ctx, params.Auth, params.Method, params.Params)
		if err != nil {
			return nil, err
		}
		return struct {
			Result json.RawMessage `json:"result"`
		}{result}, nil
	})
}
