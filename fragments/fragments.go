package fragments

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// TokenChecker admits or rejects an upload by auth token alone: the
// attachment collaborator's upload gate is "the caller has a live device
// session", nothing mailbox- or ACL-specific. *session.Server satisfies
// this via its TokenExists method.
type TokenChecker interface {
	TokenExists(ctx context.Context, auth wire.AuthToken) (bool, error)
}

// Server is one home server's fragment store: a disk tree under root
// holding the bytes, plus a small metadata database tracking expiry.
type Server struct {
	meta   *metaStore
	root   string
	tokens TokenChecker
}

// NewServer opens (or creates) the fragment store rooted at dir, with its
// metadata database at dbPath.
func NewServer(dbPath, dir string, tokens TokenChecker) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fragments: create root: %w", err)
	}
	meta, err := openMeta(dbPath)
	if err != nil {
		return nil, err
	}
	return &Server{meta: meta, root: dir, tokens: tokens}, nil
}

// Close releases the underlying metadata database.
func (s *Server) Close() error { return s.meta.Close() }

// pathForHash lays fragments out two hex-byte levels deep, per spec §6's
// `root/xx/yy/<hex>.frag`, so no single directory ever holds more than a
// couple hundred entries even at scale.
func (s *Server) pathForHash(hash wire.Hash) string {
	hex := hash.String()
	return filepath.Join(s.root, hex[0:2], hex[2:4], hex+".frag")
}

// Upload implements v1_upload_frag(auth, frag, ttl) (spec §6): any caller
// holding a live device auth token may store a fragment, content-addressed
// by the BLAKE3 hash of its canonical encoding. ttl of zero means no
// expiry; a positive ttl the janitor enforces.
func (s *Server) Upload(ctx context.Context, auth wire.AuthToken, frag wire.Fragment, ttl time.Duration) (wire.Hash, error) {
	ok, err := s.tokens.TokenExists(ctx, auth)
	if err != nil {
		return wire.Hash{}, err
	}
	if !ok {
		return wire.Hash{}, fmt.Errorf("%w: unknown auth token", sealerr.AccessDenied)
	}

	raw, err := wire.Canonical(frag)
	if err != nil {
		return wire.Hash{}, err
	}
	hash := xcrypto.Hash(raw)

	path := s.pathForHash(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wire.Hash{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return wire.Hash{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	now := wire.Now()
	var expiresAt *int64
	if ttl > 0 {
		e := now.Time().Add(ttl).UnixNano()
		expiresAt = &e
	}
	if err := s.meta.upsert(ctx, hash, now, expiresAt, int64(len(raw))); err != nil {
		return wire.Hash{}, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}

	logging.From(ctx).Debugw("fragments: stored", "hash", hash.String(), "size", len(raw))
	return hash, nil
}

// Download implements v1_download_frag(hash) (spec §6): no auth check, by
// design — the original implementation intentionally avoids touching
// SQLite here too, leaving expiry purely to the janitor, so a concurrent
// download can't race a delete into returning a half-evicted fragment.
func (s *Server) Download(ctx context.Context, hash wire.Hash) (wire.Fragment, bool, error) {
	raw, err := os.ReadFile(s.pathForHash(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return wire.Fragment{}, false, nil
		}
		return wire.Fragment{}, false, fmt.Errorf("%w: %v", sealerr.RetryLater, err)
	}
	var frag wire.Fragment
	if err := wire.Decode(raw, &frag); err != nil {
		return wire.Fragment{}, false, fmt.Errorf("%w: stored fragment is corrupt: %v", sealerr.RetryLater, err)
	}
	return frag, true, nil
}

// RunJanitor deletes expired fragments at the given period until ctx is
// cancelled, mirroring mailbox.Server.RunJanitor.
func (s *Server) RunJanitor(ctx context.Context, period time.Duration) {
	log := logging.From(ctx)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				log.Errorw("fragments: janitor sweep failed", "err", err)
			}
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) error {
	const batch = 500
	now := wire.Now()
	for {
		hashes, err := s.meta.expired(ctx, now, batch)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			return nil
		}
		for _, h := range hashes {
			if err := s.meta.delete(ctx, h); err != nil {
				return err
			}
			if err := os.Remove(s.pathForHash(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.From(ctx).Warnw("fragments: failed to delete expired file", "hash", h.String(), "err", err)
			}
		}
	}
}
