package server

import (
	"context"
	"fmt"

	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// GetAnchor implements v1_get_anchor: the latest header's height and hash,
// COSE-signed by the directory's stable key.
func (d *Directory) GetAnchor(ctx context.Context) (wire.Anchor, error) {
	d.mu.Lock()
	header, has, err := d.store.LatestHeader(ctx)
	d.mu.Unlock()
	if err != nil {
		return wire.Anchor{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	a := wire.Anchor{DirectoryID: d.cfg.ID}
	if has {
		headerHash, err := xcrypto.HashCanonical(header)
		if err != nil {
			return wire.Anchor{}, err
		}
		a.LastHeaderHeight = header.Height
		a.LastHeaderHash = headerHash
	}
	return d.signer.Sign(a)
}

// GetChunk implements v1_get_chunk(height).
func (d *Directory) GetChunk(ctx context.Context, height uint64) (wire.DirectoryChunk, bool, error) {
	chunk, ok, err := d.store.Chunk(ctx, height)
	if err != nil {
		return wire.DirectoryChunk{}, false, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return chunk, ok, nil
}

// GetHeaders implements v1_get_headers(first, last), capped at 1000
// entries per spec §4.2's client-side batch size.
func (d *Directory) GetHeaders(ctx context.Context, first, last uint64) ([]wire.DirectoryHeader, error) {
	const maxBatch = 1000
	if last > first+maxBatch-1 {
		last = first + maxBatch - 1
	}
	headers, err := d.store.HeaderRange(ctx, first, last)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return headers, nil
}

// GetItem implements v1_get_item(key): the key's full committed+staged
// history together with an SMT proof against the latest committed header.
func (d *Directory) GetItem(ctx context.Context, key string) (wire.ItemResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	committed, err := d.store.CommittedHistory(ctx, key)
	if err != nil {
		return wire.ItemResponse{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	staged, err := d.store.StagingHistory(ctx, key)
	if err != nil {
		return wire.ItemResponse{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	history := make([]wire.DirectoryUpdate, 0, len(committed)+len(staged))
	history = append(history, committed...)
	history = append(history, staged...)

	header, has, err := d.store.LatestHeader(ctx)
	if err != nil {
		return wire.ItemResponse{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	var proofHeight uint64
	if has {
		proofHeight = header.Height
	}

	// The proof is always taken against the committed (tree) state at
	// proof_height, the latest header. A history that includes
	// not-yet-chunked staged updates does not hash to the committed leaf,
	// so client.QueryRaw's proof check fails for that key until a chunk
	// commits those updates; QueryRaw does not wait for that chunk.
	proof := d.tree.Proof(xcrypto.Hash([]byte(key)))

	return wire.ItemResponse{History: history, ProofHeight: proofHeight, MerkleBranch: proof}, nil
}
