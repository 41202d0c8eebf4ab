package mailbox

import (
	"context"
	"time"

	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/wire"
)

// RunJanitor deletes expired entries at the given period until ctx is
// cancelled. Spec §4.3 requires the janitor run "no coarser than the
// smallest TTL the system guarantees to clients"; callers pick period
// accordingly (the home server config exposes it, see SPEC_FULL.md §2,
// internal/config).
func (s *Server) RunJanitor(ctx context.Context, period time.Duration) {
	log := logging.From(ctx)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.deleteExpired(ctx, wire.Now())
			if err != nil {
				log.Errorw("mailbox: janitor sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Debugw("mailbox: janitor purged expired entries", "count", n)
			}
		}
	}
}
