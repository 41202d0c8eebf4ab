package client

import (
	"context"
	"fmt"

	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

const headerBatchSize = 1000

// syncHeaders extends the local verified-header chain up to
// anchor.LastHeaderHeight, batching fetches at headerBatchSize and
// requiring prev_hash to chain end to end, per spec §4.2 step 3. It returns
// the (now locally verified) header at anchor.LastHeaderHeight.
func (c *Client) syncHeaders(ctx context.Context, anchor wire.Anchor) (wire.DirectoryHeader, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	local, has, err := c.store.latest(ctx)
	if err != nil {
		return wire.DirectoryHeader{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	var nextHeight uint64
	var prevHash wire.Hash
	if has {
		if local.Height >= anchor.LastHeaderHeight {
			return local, nil
		}
		nextHeight = local.Height + 1
		prevHash, err = xcrypto.HashCanonical(local)
		if err != nil {
			return wire.DirectoryHeader{}, err
		}
	}

	var lastHeader wire.DirectoryHeader
	for nextHeight <= anchor.LastHeaderHeight {
		last := nextHeight + headerBatchSize - 1
		if last > anchor.LastHeaderHeight {
			last = anchor.LastHeaderHeight
		}

		var batch []wire.DirectoryHeader
		params := struct {
			First uint64 `json:"first"`
			Last  uint64 `json:"last"`
		}{nextHeight, last}
		if err := c.rpc.Call(ctx, "v1_get_headers", params, &batch); err != nil {
			return wire.DirectoryHeader{}, err
		}
		if uint64(len(batch)) != last-nextHeight+1 {
			return wire.DirectoryHeader{}, fmt.Errorf("%w: short header batch", sealerr.RetryLater)
		}

		hashes := make([]wire.Hash, len(batch))
		for i, h := range batch {
			if h.Height != nextHeight+uint64(i) {
				return wire.DirectoryHeader{}, fmt.Errorf("%w: header height out of sequence", sealerr.AccessDenied)
			}
			if h.PrevHash != prevHash {
				return wire.DirectoryHeader{}, fmt.Errorf("%w: header chain broken at height %d", sealerr.AccessDenied, h.Height)
			}
			hash, err := xcrypto.HashCanonical(h)
			if err != nil {
				return wire.DirectoryHeader{}, err
			}
			hashes[i] = hash
			prevHash = hash
		}

		if err := c.store.appendBatch(ctx, batch, hashes); err != nil {
			return wire.DirectoryHeader{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
		}

		lastHeader = batch[len(batch)-1]
		nextHeight = last + 1
	}

	if prevHash != anchor.LastHeaderHash {
		return wire.DirectoryHeader{}, fmt.Errorf("%w: header chain does not reach anchor hash", sealerr.AccessDenied)
	}
	return lastHeader, nil
}
