package overlay

import (
	"context"
	"time"
)

// maintenanceLoop keeps the routing table healthy: stale buckets are
// refreshed with a lookup toward a random id at their depth, one
// least-recently-seen peer is revalidated per tick, and the node
// re-bootstraps if the table ever empties out.
func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.workers.Done()

	maintain := time.NewTicker(s.maintenanceInterval)
	defer maintain.Stop()
	revalidate := time.NewTicker(s.revalidateInterval)
	defer revalidate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-maintain.C:
			s.refreshStaleBuckets(ctx)
			if s.table.Len() == 0 && s.hasSeeds() {
				if err := s.Bootstrap(ctx); err != nil {
					s.logf("overlay: re-bootstrap: %v", err)
				}
			}
		case <-revalidate.C:
			s.revalidateOne(ctx)
		}
	}
}

func (s *Service) refreshStaleBuckets(ctx context.Context) {
	for _, depth := range s.table.StaleBuckets(s.bucketStaleAfter) {
		if ctx.Err() != nil {
			return
		}
		target, err := s.table.RefreshTarget(depth)
		if err != nil {
			s.logf("overlay: refresh target for bucket %d: %v", depth, err)
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, refreshLookupTimeout)
		_, err = s.LookupPeers(lctx, target)
		cancel()
		if err != nil {
			s.logf("overlay: refresh bucket %d: %v", depth, err)
		}
		// Refreshed even on failure so one unreachable depth does not
		// monopolize every maintenance tick.
		s.table.MarkRefreshed(depth)
	}
}

// revalidateOne pings the least-recently-seen peer of a random bucket.
// A dead peer is marked unresponsive and immediately replaced from the
// bucket's replacement cache when one is parked there.
func (s *Service) revalidateOne(ctx context.Context) {
	p, ok := s.table.RevalidationCandidate()
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.Ping(pctx, p); err != nil {
		s.table.MarkUnresponsive(p.ID)
		if promoted, replaced := s.table.ReplaceDead(p.ID); replaced {
			s.logf("overlay: revalidation replaced %s with %s", p.ID, promoted.ID)
		}
		return
	}
	s.table.MarkResponsive(p.ID)
}
