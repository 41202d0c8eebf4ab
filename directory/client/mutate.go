package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/directory"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

const insertPollCeiling = 90 * time.Second

// InsertUserDescriptor appends a content update carrying descriptor to
// key's history, signed by signer (one of key's current owners).
func (c *Client) InsertUserDescriptor(ctx context.Context, key string, signer xcrypto.SigningKeyPair, descriptor wire.UserDescriptor) error {
	blob, err := wire.NewBlob(wire.KindUserDescriptor, descriptor)
	if err != nil {
		return err
	}
	return c.submitUpdate(ctx, key, wire.ContentUpdate(blob), signer)
}

// InsertServerDescriptor appends a content update carrying descriptor to
// key's history.
func (c *Client) InsertServerDescriptor(ctx context.Context, key string, signer xcrypto.SigningKeyPair, descriptor wire.ServerDescriptor) error {
	blob, err := wire.NewBlob(wire.KindServerDescriptor, descriptor)
	if err != nil {
		return err
	}
	return c.submitUpdate(ctx, key, wire.ContentUpdate(blob), signer)
}

// AddOwner appends an AddOwner update adding newOwnerPK to key's owner set.
func (c *Client) AddOwner(ctx context.Context, key string, signer xcrypto.SigningKeyPair, newOwnerPK []byte) error {
	return c.submitUpdate(ctx, key, wire.AddOwnerUpdate(newOwnerPK), signer)
}

// DelOwner appends a DelOwner update removing ownerPK from key's owner set.
func (c *Client) DelOwner(ctx context.Context, key string, signer xcrypto.SigningKeyPair, ownerPK []byte) error {
	return c.submitUpdate(ctx, key, wire.DelOwnerUpdate(ownerPK), signer)
}

// submitUpdate implements the shared shape of every directory mutation
// (spec §4.2): fetch the current history, chain a signed update onto it,
// solve the server's PoW challenge, submit, and poll v1_get_item until the
// update is visible or the 90-second ceiling elapses.
func (c *Client) submitUpdate(ctx context.Context, key string, updateType wire.UpdateType, signer xcrypto.SigningKeyPair) error {
	resp, err := c.getItem(ctx, key)
	if err != nil {
		return err
	}
	prevHash, err := directory.LastUpdateHash(resp.History)
	if err != nil {
		return err
	}

	update := wire.DirectoryUpdate{
		PrevUpdateHash: prevHash,
		UpdateType:     updateType,
		SignerPK:       []byte(signer.Public),
	}
	body, err := update.SignedBytes()
	if err != nil {
		return err
	}
	update.Signature = signer.Sign(body)

	expectedHash, err := xcrypto.HashCanonical(update)
	if err != nil {
		return err
	}

	var seed wire.PoWSeed
	if err := c.rpc.Call(ctx, "v1_get_pow_seed", nil, &seed); err != nil {
		return err
	}
	solution := directory.Solve(seed)

	params := struct {
		Key    string               `json:"key"`
		Update wire.DirectoryUpdate `json:"update"`
		PoW    wire.PoWSolution     `json:"pow"`
	}{key, update, solution}
	if err := c.rpc.Call(ctx, "v1_insert_update", params, nil); err != nil {
		return err
	}

	deadline := time.Now().Add(insertPollCeiling)
	for {
		resp, err := c.getItem(ctx, key)
		if err != nil {
			return err
		}
		for _, u := range resp.History {
			hash, err := xcrypto.HashCanonical(u)
			if err != nil {
				return err
			}
			if hash == expectedHash {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: update not visible after %s", sealerr.RetryLater, insertPollCeiling)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
