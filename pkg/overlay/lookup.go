package overlay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
)

// ErrContentNotFound reports that a content lookup converged on the
// closest peers to the id without any of them producing the payload.
var ErrContentNotFound = errors.New("content not found")

// refreshLookupTimeout bounds the iterative lookups that maintenance
// and bootstrap run in the background.
const refreshLookupTimeout = 30 * time.Second

// lookupDistances picks the log distances to request from a peer when
// walking toward target: the peer's own distance to the target plus the
// two neighboring distances, so a single request sweeps the slice of
// the id space the peer knows best. Distance 0 asks the peer for its
// own record and is only produced when the peer is the target itself.
func lookupDistances(target, peer kad.ID) []uint16 {
	d := kad.LogDistance(target, peer)
	out := make([]uint16, 0, 3)
	out = append(out, uint16(d))
	if d < kad.IDBits {
		out = append(out, uint16(d+1))
	}
	if d > 1 {
		out = append(out, uint16(d-1))
	}
	return out
}

// LookupPeers runs an iterative FINDNODE lookup toward target and
// returns the closest responsive peers found. Every response and
// timeout feeds back into the routing table.
func (s *Service) LookupPeers(ctx context.Context, target kad.ID) ([]kad.Peer, error) {
	cfg := s.lookupCfg
	cfg.OnResponse = func(p kad.Peer) { s.table.MarkResponsive(p.ID) }
	cfg.OnFailure = func(p kad.Peer) { s.table.MarkUnresponsive(p.ID) }

	query := func(qctx context.Context, p kad.Peer) ([]kad.Peer, error) {
		qctx, cancel := context.WithTimeout(qctx, s.requestTimeout)
		defer cancel()
		return s.findNodes(qctx, p, lookupDistances(target, p.ID))
	}

	return kad.NewLookup(s.table, target, query, cfg).Run(ctx)
}

// ContentResult is a successful content lookup.
type ContentResult struct {
	Payload []byte
	// From is the peer that served the payload. It is the zero Peer
	// when the payload came from the local store.
	From kad.Peer
	// Path lists the peers queried during the lookup, in query order.
	Path []kad.Peer
}

// LookupContent finds the payload for a content id, checking the local
// store first and then walking the network with FINDCONTENT. The walk
// stops as soon as one peer serves the payload; a fetched payload that
// falls inside the local radius is cached and gossiped onward.
func (s *Service) LookupContent(ctx context.Context, id kad.ID) (*ContentResult, error) {
	if payload, err := s.store.Get(id); err == nil {
		return &ContentResult{Payload: payload}, nil
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found *ContentResult
		path  []kad.Peer
	)

	cfg := s.lookupCfg
	cfg.OnResponse = func(p kad.Peer) { s.table.MarkResponsive(p.ID) }
	cfg.OnFailure = func(p kad.Peer) { s.table.MarkUnresponsive(p.ID) }

	query := func(qctx context.Context, p kad.Peer) ([]kad.Peer, error) {
		qctx, qcancel := context.WithTimeout(qctx, s.requestTimeout)
		defer qcancel()

		mu.Lock()
		path = append(path, p)
		mu.Unlock()

		payload, peers, err := s.findContent(qctx, p, id)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			mu.Lock()
			if found == nil {
				found = &ContentResult{Payload: payload, From: p}
			}
			mu.Unlock()
			// Stop the walk; replies still in flight are dropped.
			cancel()
			return nil, nil
		}
		return peers, nil
	}

	_, err := kad.NewLookup(s.table, id, query, cfg).Run(lctx)

	mu.Lock()
	res := found
	trail := append([]kad.Peer(nil), path...)
	mu.Unlock()

	if res != nil {
		res.Path = trail
		s.cacheFetched(id, res.Payload)
		return res, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil && !errors.Is(err, kad.ErrLookupExhausted) {
		return nil, err
	}
	return nil, ErrContentNotFound
}

// cacheFetched stores a payload fetched from the network when it falls
// inside the local radius, then offers it to the neighborhood.
func (s *Service) cacheFetched(id kad.ID, payload []byte) {
	if !s.store.ShouldStore(id) {
		return
	}
	if err := s.store.Put(id, payload); err != nil {
		s.logf("overlay: cache fetched content %s: %v", id, err)
		return
	}
	s.Gossip(id, payload)
}
