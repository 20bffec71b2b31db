package overlay

import (
	"context"
	"math/rand"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// offerJob is one queued OFFER to a single peer. ids and payloads are
// parallel slices in offer order.
type offerJob struct {
	peer     kad.Peer
	ids      []kad.ID
	payloads [][]byte
}

// Gossip offers freshly stored content to the neighborhood. Target
// selection favors peers whose advertised radius covers the id, with a
// small random tail so content also spreads beyond the closest
// neighbors. Jobs go onto a bounded queue; when the queue is full the
// offer is skipped rather than blocking the caller. Returns the number
// of peers the offer was queued for.
func (s *Service) Gossip(id kad.ID, payload []byte) int {
	queued := 0
	for _, p := range s.gossipTargets(id) {
		job := offerJob{peer: p, ids: []kad.ID{id}, payloads: [][]byte{payload}}
		select {
		case s.offers <- job:
			queued++
		default:
			s.logf("overlay: offer queue full, skipping offer to %s", p.ID)
		}
	}
	return queued
}

// gossipTargets picks peers likely to accept an offer for id: from the
// GossipLookupLimit closest table entries, drop any whose cached radius
// excludes the id (an unknown radius counts as interest), then keep the
// GossipNearSet closest plus up to GossipFarSet random others.
func (s *Service) gossipTargets(id kad.ID) []kad.Peer {
	candidates := s.table.FindClosest(id, constants.GossipLookupLimit)

	interested := make([]kad.Peer, 0, len(candidates))
	for _, p := range candidates {
		if radius, ok := s.cachedRadius(p.ID); ok {
			d := kad.DistanceBetween(p.ID, id)
			if d.Gt(&radius) {
				continue
			}
		}
		interested = append(interested, p)
	}

	if len(interested) <= constants.GossipNearSet {
		return interested
	}

	// FindClosest returns peers sorted by distance, so the near set is
	// a prefix and the far tail is sampled.
	near := interested[:constants.GossipNearSet]
	far := interested[constants.GossipNearSet:]
	rand.Shuffle(len(far), func(i, j int) { far[i], far[j] = far[j], far[i] })

	n := constants.GossipFarSet
	if n > len(far) {
		n = len(far)
	}
	out := make([]kad.Peer, 0, len(near)+n)
	out = append(out, near...)
	out = append(out, far[:n]...)
	return out
}

// offerWorker drains the offer queue. Each job gets its own deadline
// covering the OFFER round trip plus the transfer push.
func (s *Service) offerWorker(ctx context.Context) {
	defer s.workers.Done()
	budget := s.requestTimeout + constants.TransferAcceptTimeout + constants.TransferIOTimeout
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.offers:
			jctx, cancel := context.WithTimeout(ctx, budget)
			pushed, err := s.offerContent(jctx, job.peer, job.ids, job.payloads)
			cancel()
			if err != nil {
				s.logf("overlay: offer to %s: %v", job.peer.ID, err)
				continue
			}
			if pushed > 0 {
				s.logf("overlay: pushed %d payload(s) to %s", pushed, job.peer.ID)
			}
		}
	}
}
