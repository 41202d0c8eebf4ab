// Package client implements the directory client (spec §4.2): a verifier
// that never trusts the directory server's raw word for anything —
// headers are hash-chained and proofs are checked against its own record
// of verified headers, which is the only thing this package keeps beyond
// one call.
package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/nullspace-msg/sealmsg/directory"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Client is one connection to one directory server.
type Client struct {
	rpc       *rpcwire.Client
	store     *store
	anchorKey ed25519.PublicKey

	// syncMu is the "process-wide mutex" spec §4.2 requires around header
	// sync, so two concurrent query_raw calls never race each other's view
	// of the verified-header table.
	syncMu sync.Mutex
}

// Config configures a directory client.
type Config struct {
	BaseURL    string
	DBPath     string
	AnchorKey  ed25519.PublicKey
	HTTPClient *rpcwire.Client // optional override, mainly for tests
}

// New opens (or creates) the client's local verified-header store and
// wires up the RPC client to BaseURL.
func New(cfg Config) (*Client, error) {
	st, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rpc := cfg.HTTPClient
	if rpc == nil {
		rpc = rpcwire.NewClient(cfg.BaseURL)
	}
	return &Client{rpc: rpc, store: st, anchorKey: cfg.AnchorKey}, nil
}

// Close releases the local store.
func (c *Client) Close() error { return c.store.close() }

// SyncProgress reports (local_height, anchor_height) for UIs (spec §4.2).
func (c *Client) SyncProgress(ctx context.Context) (uint64, uint64, error) {
	local, has, err := c.store.latest(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	var localHeight uint64
	if has {
		localHeight = local.Height
	}
	anchor, err := c.fetchVerifiedAnchor(ctx)
	if err != nil {
		return localHeight, 0, err
	}
	return localHeight, anchor.LastHeaderHeight, nil
}

// fetchVerifiedAnchor fetches v1_get_anchor and verifies its COSE signature
// under the configured anchor public key.
func (c *Client) fetchVerifiedAnchor(ctx context.Context) (wire.Anchor, error) {
	var anchor wire.Anchor
	if err := c.rpc.Call(ctx, "v1_get_anchor", nil, &anchor); err != nil {
		return wire.Anchor{}, err
	}
	if err := directory.VerifyAnchor(c.anchorKey, anchor); err != nil {
		return wire.Anchor{}, fmt.Errorf("%w: anchor signature invalid: %v", sealerr.AccessDenied, err)
	}
	return anchor, nil
}

// RawCall forwards method/params to the directory server verbatim and
// decodes its result into out, with no verification of any kind beyond
// whatever the JSON-RPC transport itself does. v1_proxy_directory uses
// this to let a client reach directory methods this package doesn't wrap
// (spec §6); query_raw is not one of them, since QueryRaw below is the
// verified path every other caller should use instead.
func (c *Client) RawCall(ctx context.Context, method string, params, out interface{}) error {
	return c.rpc.Call(ctx, method, params, out)
}

// getItem is the raw v1_get_item RPC, unwrapped of any local verification.
func (c *Client) getItem(ctx context.Context, key string) (wire.ItemResponse, error) {
	var resp wire.ItemResponse
	params := struct {
		Key string `json:"key"`
	}{key}
	if err := c.rpc.Call(ctx, "v1_get_item", params, &resp); err != nil {
		return wire.ItemResponse{}, err
	}
	return resp, nil
}

// QueryRaw implements query_raw(key): fetch the item, wait for the anchor
// to reach the item's proof height, sync headers up to the anchor, verify
// the SMT proof, and replay the history into a listing.
func (c *Client) QueryRaw(ctx context.Context, key string) (wire.DirectoryListing, error) {
	resp, err := c.getItem(ctx, key)
	if err != nil {
		return wire.DirectoryListing{}, err
	}

	var anchor wire.Anchor
	deadline := time.Now().Add(90 * time.Second)
	for {
		anchor, err = c.fetchVerifiedAnchor(ctx)
		if err != nil {
			return wire.DirectoryListing{}, err
		}
		if anchor.LastHeaderHeight >= resp.ProofHeight {
			break
		}
		if time.Now().After(deadline) {
			return wire.DirectoryListing{}, fmt.Errorf("%w: anchor never reached proof height %d", sealerr.RetryLater, resp.ProofHeight)
		}
		select {
		case <-ctx.Done():
			return wire.DirectoryListing{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	header, err := c.syncHeaders(ctx, anchor)
	if err != nil {
		return wire.DirectoryListing{}, err
	}
	proofHeader, has, err := c.store.at(ctx, resp.ProofHeight)
	if err != nil {
		return wire.DirectoryListing{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	if !has {
		proofHeader = header // proof_height caught up to the just-synced tip
	}

	valueHash, err := xcrypto.HashCanonical(resp.History)
	if err != nil {
		return wire.DirectoryListing{}, err
	}
	keyHash := xcrypto.Hash([]byte(key))
	if !xcrypto.VerifyProof(proofHeader.SMTRoot, keyHash, valueHash, resp.MerkleBranch) {
		return wire.DirectoryListing{}, fmt.Errorf("%w: merkle proof does not verify", sealerr.AccessDenied)
	}

	return directory.Replay(resp.History)
}
