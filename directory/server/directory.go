package server

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/nullspace-msg/sealmsg/directory"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// Config configures one Directory process.
type Config struct {
	ID          string
	DBPath      string
	AnchorKey   ed25519.PrivateKey
	PoWEffort   uint32
	PoWSeedTTL  time.Duration
	ChunkPeriod time.Duration
}

// Directory is a single directory server: the chunked append-only log
// described in spec §4.1, backed by SQLite with an in-memory sparse Merkle
// tree mirroring its committed state.
type Directory struct {
	cfg    Config
	store  *Store
	tree   *xcrypto.SMT
	signer *directory.AnchorSigner

	// mu serializes every operation that reads or mutates tree: inserts
	// validate against committed+staged history under it, and the chunker
	// takes it for the whole commit. The directory is a single writer by
	// design (spec §4.1), so this is never a throughput bottleneck.
	mu sync.Mutex
}

// NewDirectory opens store at cfg.DBPath and rebuilds the in-memory tree
// from whatever is already committed.
func NewDirectory(cfg Config) (*Directory, error) {
	store, err := Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	signer, err := directory.NewAnchorSigner(cfg.AnchorKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &Directory{cfg: cfg, store: store, tree: xcrypto.NewSMT(), signer: signer}
	if err := d.rebuildTree(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying store.
func (d *Directory) Close() error { return d.store.Close() }

func (d *Directory) rebuildTree(ctx context.Context) error {
	keys, err := d.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		history, err := d.store.CommittedHistory(ctx, key)
		if err != nil {
			return err
		}
		valueHash, err := xcrypto.HashCanonical(history)
		if err != nil {
			return err
		}
		d.tree.Put(xcrypto.Hash([]byte(key)), valueHash)
	}
	return nil
}

// IssuePoWSeed mints and stores a fresh seed at the directory's configured
// effort and TTL.
func (d *Directory) IssuePoWSeed(ctx context.Context) (wire.PoWSeed, error) {
	seed, err := directory.GeneratePoWSeed(d.cfg.PoWEffort, d.cfg.PoWSeedTTL)
	if err != nil {
		return wire.PoWSeed{}, err
	}
	if err := d.store.PutPoWSeed(ctx, seed); err != nil {
		return wire.PoWSeed{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	return seed, nil
}

// InsertUpdate implements v1_insert_update: consume pow, validate the
// candidate update against key's committed+staged history, and stage it on
// success.
func (d *Directory) InsertUpdate(ctx context.Context, key string, update wire.DirectoryUpdate, pow wire.PoWSolution) error {
	seed, ok, err := d.store.ConsumePoWSeed(ctx, pow.Seed)
	if err != nil {
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	if !ok {
		return sealerr.Rejected("pow seed unknown or already consumed")
	}
	if err := directory.VerifySolution(seed, pow, time.Now()); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	committed, err := d.store.CommittedHistory(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	staged, err := d.store.StagingHistory(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	extended := make([]wire.DirectoryUpdate, 0, len(committed)+len(staged)+1)
	extended = append(extended, committed...)
	extended = append(extended, staged...)
	extended = append(extended, update)

	if _, err := directory.ValidateHistory(extended); err != nil {
		return err
	}
	if err := d.store.AppendStaging(ctx, key, update); err != nil {
		return fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	logging.From(ctx).Debugw("directory: staged update", "key", key)
	return nil
}
