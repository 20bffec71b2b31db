package kad

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// ErrLookupExhausted reports that a lookup drained its entire candidate set
// without converging on the target or finding content.
var ErrLookupExhausted = errors.New("lookup exhausted candidate set")

// QueryFunc issues one FINDNODE/FINDCONTENT-style RPC against a peer and
// returns the peers it advertised. Errors cover timeouts and transport
// failures; the engine tolerates them per peer and carries on.
type QueryFunc func(ctx context.Context, p Peer) ([]Peer, error)

// LookupConfig bounds one lookup invocation.
type LookupConfig struct {
	Alpha     int // concurrent outstanding queries
	K         int // result set size
	MaxRounds int // hard termination bound

	// OnResponse and OnFailure observe per-peer outcomes so the caller
	// can feed liveness back into the routing table. Either may be nil.
	OnResponse func(p Peer)
	OnFailure  func(p Peer)
}

// DefaultLookupConfig returns the network defaults.
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:     constants.Alpha,
		K:         constants.LookupResultLimit,
		MaxRounds: constants.MaxLookupRounds,
	}
}

// lookupState is the per-invocation machine: Init seeds candidates,
// InFlight runs alpha-wide rounds, Converging runs the one confirming
// round over the K closest unqueried candidates, Done is terminal.
type lookupState int

const (
	lookupInit lookupState = iota
	lookupInFlight
	lookupConverging
	lookupDone
)

// candidate states mirror the lifecycle of one peer within a lookup.
type candState uint8

const (
	candUnqueried candState = iota
	candInFlight
	candDone
	candFailed
)

type candidate struct {
	peer  Peer
	dist  Distance
	state candState
}

// Lookup drives one iterative traversal toward a target id. It owns its
// candidate set exclusively for the duration of Run; the routing table is
// only read once, at construction, so concurrent table mutation never races
// a lookup round.
type Lookup struct {
	target ID
	self   ID
	query  QueryFunc
	cfg    LookupConfig

	state lookupState
	seen  map[ID]*candidate
}

// NewLookup seeds a lookup from the alpha closest table entries to target.
func NewLookup(t *Table, target ID, query QueryFunc, cfg LookupConfig) *Lookup {
	if cfg.Alpha <= 0 {
		cfg.Alpha = constants.Alpha
	}
	if cfg.K <= 0 {
		cfg.K = constants.LookupResultLimit
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = constants.MaxLookupRounds
	}

	l := &Lookup{
		target: target,
		self:   t.Self(),
		query:  query,
		cfg:    cfg,
		state:  lookupInit,
		seen:   make(map[ID]*candidate),
	}
	for _, p := range t.FindClosest(target, cfg.Alpha) {
		l.addCandidate(p)
	}
	return l
}

func (l *Lookup) addCandidate(p Peer) {
	if p.ID == l.self {
		return
	}
	if _, ok := l.seen[p.ID]; ok {
		return
	}
	l.seen[p.ID] = &candidate{
		peer: p,
		dist: DistanceBetween(l.target, p.ID),
	}
}

// unqueried returns up to limit unqueried candidates, closest first.
func (l *Lookup) unqueried(limit int) []*candidate {
	var out []*candidate
	for _, c := range l.seen {
		if c.state == candUnqueried {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// closestKnown returns the distance of the nearest candidate in any state.
func (l *Lookup) closestKnown() (Distance, bool) {
	var best Distance
	found := false
	for _, c := range l.seen {
		if !found || c.dist.Lt(&best) {
			best = c.dist
			found = true
		}
	}
	return best, found
}

// result returns the K closest responsive peers.
func (l *Lookup) result() []Peer {
	var done []*candidate
	for _, c := range l.seen {
		if c.state == candDone {
			done = append(done, c)
		}
	}
	sortCandidates(done)
	if len(done) > l.cfg.K {
		done = done[:l.cfg.K]
	}
	out := make([]Peer, len(done))
	for i, c := range done {
		out[i] = c.peer
	}
	return out
}

// trim caps the candidate set by discarding the farthest unqueried entries.
// Queried candidates stay for dedupe.
func (l *Lookup) trim() {
	max := l.cfg.K * 8
	if len(l.seen) <= max {
		return
	}
	var pending []*candidate
	for _, c := range l.seen {
		if c.state == candUnqueried {
			pending = append(pending, c)
		}
	}
	sortCandidates(pending)
	for i := len(pending) - 1; i >= 0 && len(l.seen) > max; i-- {
		delete(l.seen, pending[i].peer.ID)
	}
}

type queryOutcome struct {
	cand  *candidate
	peers []Peer
	err   error
}

// Run executes the lookup to completion and returns the K closest
// responsive peers. It terminates on convergence plus one confirming round,
// on the round bound, on context cancellation, or with ErrLookupExhausted
// when every candidate has been tried without success.
func (l *Lookup) Run(ctx context.Context) ([]Peer, error) {
	l.state = lookupInFlight

	for round := 0; round < l.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			l.state = lookupDone
			return nil, err
		}

		width := l.cfg.Alpha
		if l.state == lookupConverging {
			width = l.cfg.K
		}
		batch := l.unqueried(width)
		if len(batch) == 0 {
			l.state = lookupDone
			if res := l.result(); len(res) > 0 {
				return res, nil
			}
			return nil, ErrLookupExhausted
		}

		improved := l.runRound(ctx, batch)

		// Late cancellation surfaces here rather than mid-round so
		// in-flight replies are simply dropped.
		if err := ctx.Err(); err != nil {
			l.state = lookupDone
			return nil, err
		}

		switch l.state {
		case lookupInFlight:
			if !improved {
				l.state = lookupConverging
			}
		case lookupConverging:
			if improved {
				// The confirming round surfaced a closer peer;
				// keep iterating.
				l.state = lookupInFlight
			} else {
				l.state = lookupDone
				if res := l.result(); len(res) > 0 {
					return res, nil
				}
				return nil, ErrLookupExhausted
			}
		}
		l.trim()
	}

	l.state = lookupDone
	if res := l.result(); len(res) > 0 {
		return res, nil
	}
	return nil, ErrLookupExhausted
}

// runRound issues the batch concurrently, merges replies, and reports
// whether any new candidate is closer than everything known before.
func (l *Lookup) runRound(ctx context.Context, batch []*candidate) bool {
	bestBefore, haveBest := l.closestKnown()

	results := make(chan queryOutcome, len(batch))
	for _, c := range batch {
		c.state = candInFlight
		go func(c *candidate) {
			peers, err := l.query(ctx, c.peer)
			results <- queryOutcome{cand: c, peers: peers, err: err}
		}(c)
	}

	improved := false
	for i := 0; i < len(batch); i++ {
		out := <-results
		if out.err != nil {
			out.cand.state = candFailed
			if l.cfg.OnFailure != nil {
				l.cfg.OnFailure(out.cand.peer)
			}
			continue
		}
		out.cand.state = candDone
		if l.cfg.OnResponse != nil {
			l.cfg.OnResponse(out.cand.peer)
		}
		for _, p := range out.peers {
			before := len(l.seen)
			l.addCandidate(p)
			if len(l.seen) == before {
				continue
			}
			d := DistanceBetween(l.target, p.ID)
			if !haveBest || d.Lt(&bestBefore) {
				improved = true
			}
		}
	}
	return improved
}

func sortCandidates(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if c := cs[i].dist.Cmp(&cs[j].dist); c != 0 {
			return c < 0
		}
		return bytes.Compare(cs[i].peer.ID[:], cs[j].peer.ID[:]) < 0
	})
}
