package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/directory"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// errNoWork signals an empty drain: nothing was staged since the last
// chunk, so there is no header to commit this tick.
var errNoWork = errors.New("directory/server: nothing staged")

// RunChunker drains staging at cfg.ChunkPeriod, aligned to the wall clock,
// until ctx is cancelled. Errors are logged and the loop continues; a
// single bad tick never stalls the directory permanently.
func (d *Directory) RunChunker(ctx context.Context) {
	log := logging.From(ctx)
	period := d.cfg.ChunkPeriod
	if period <= 0 {
		period = time.Second
	}

	sleepToNextTick(ctx, period)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := d.commitChunk(ctx); err != nil && !errors.Is(err, errNoWork) {
			log.Errorw("directory: chunk commit failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sleepToNextTick blocks until the next period-aligned wall-clock boundary,
// so commits land on round seconds regardless of process start time.
func sleepToNextTick(ctx context.Context, period time.Duration) {
	now := time.Now()
	next := now.Truncate(period).Add(period)
	select {
	case <-ctx.Done():
	case <-time.After(next.Sub(now)):
	}
}

// Flush forces an immediate chunk commit rather than waiting for the next
// periodic tick. Used by admin tooling and by tests that want a
// deterministic commit point instead of racing RunChunker's ticker.
// Returns nil (not an error) when there was nothing staged to commit.
func (d *Directory) Flush(ctx context.Context) error {
	if err := d.commitChunk(ctx); err != nil && !errors.Is(err, errNoWork) {
		return err
	}
	return nil
}

// commitChunk drains staging, re-validates every touched key's extended
// history, updates the in-memory SMT, and persists the new chunk, header
// and committed rows in one transaction.
func (d *Directory) commitChunk(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prevHeader, hasPrev, err := d.store.LatestHeader(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	var prevHash wire.Hash
	var nextHeight uint64
	if hasPrev {
		prevHash, err = xcrypto.HashCanonical(prevHeader)
		if err != nil {
			return err
		}
		nextHeight = prevHeader.Height + 1
	}

	// Speculative updates are applied to a clone of the tree so a
	// transaction failure never leaves the live tree ahead of the store;
	// the clone replaces d.tree only after the transaction commits.
	workingTree := d.tree.Clone()

	var committedRoot wire.Hash
	err = d.store.withTx(ctx, func(tx *sql.Tx) error {
		drained, err := drainStagingTx(ctx, tx)
		if err != nil {
			return err
		}
		if len(drained) == 0 {
			return errNoWork
		}

		updatesByKey := make(map[string][]wire.DirectoryUpdate)
		for key, pending := range drained {
			committed, err := committedHistoryTx(ctx, tx, key)
			if err != nil {
				return err
			}
			extended := make([]wire.DirectoryUpdate, 0, len(committed)+len(pending))
			extended = append(extended, committed...)
			extended = append(extended, pending...)

			if _, err := directory.ValidateHistory(extended); err != nil {
				// A key that validated against staged-only state at insert
				// time can still lose a race to a conflicting concurrent
				// insert; drop it from this chunk rather than aborting the
				// whole commit for every other key.
				logging.From(ctx).Warnw("directory: key dropped from chunk on re-validation", "key", key, "err", err)
				continue
			}

			valueHash, err := xcrypto.HashCanonical(extended)
			if err != nil {
				return err
			}
			workingTree.Put(xcrypto.Hash([]byte(key)), valueHash)

			seq := len(committed)
			for _, u := range pending {
				raw, err := wire.Canonical(u)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO committed_updates (key, seq, update_cbor, chunk_height) VALUES (?, ?, ?, ?)`,
					key, seq, raw, nextHeight); err != nil {
					return err
				}
				seq++
			}
			updatesByKey[key] = pending
		}

		header := wire.DirectoryHeader{
			PrevHash: prevHash,
			SMTRoot:  workingTree.Root(),
			TimeUnix: time.Now().Unix(),
			Height:   nextHeight,
		}
		headerRaw, err := wire.Canonical(header)
		if err != nil {
			return err
		}
		headerHash, err := xcrypto.HashCanonical(header)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO headers (height, header_cbor, header_hash) VALUES (?, ?, ?)`,
			nextHeight, headerRaw, headerHash.Bytes()); err != nil {
			return err
		}

		chunk := wire.DirectoryChunk{Header: header, Updates: updatesByKey}
		chunkRaw, err := wire.Canonical(chunk)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (height, chunk_cbor) VALUES (?, ?)`, nextHeight, chunkRaw); err != nil {
			return err
		}

		committedRoot = header.SMTRoot
		return nil
	})
	if err != nil {
		return err
	}
	d.tree = workingTree

	logging.From(ctx).Infow("directory: committed chunk", "height", nextHeight, "smt_root", committedRoot.String())
	return nil
}
