package kad

import (
	mrand "math/rand"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// Outcome classifies the result of Table.InsertOrUpdate.
type Outcome int

const (
	// Inserted: the peer joined a bucket with spare capacity.
	Inserted Outcome = iota
	// Updated: the peer was already present; its entry moved to the
	// most-recently-seen position with refreshed fields.
	Updated
	// BucketFull: the target bucket is at capacity and cannot split. The
	// result carries the least-recently-seen incumbent as an eviction
	// candidate; the new peer is parked in the replacement cache. The
	// caller must ping the candidate and then settle the bucket with
	// MarkResponsive (keep incumbent) or ReplaceDead (evict and promote).
	BucketFull
	// RejectedSelf: the peer carries the local node's own id. A logic
	// error in the caller, never a network condition.
	RejectedSelf
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case BucketFull:
		return "bucket-full"
	case RejectedSelf:
		return "rejected-self"
	default:
		return "invalid"
	}
}

// InsertResult is the outcome of an insert attempt plus the eviction
// candidate when the bucket was full.
type InsertResult struct {
	Outcome   Outcome
	Candidate Peer // least-recently-seen incumbent, set when Outcome == BucketFull
}

// TableConfig sizes a routing table.
type TableConfig struct {
	BucketSize      int // K
	MaxReplacements int // replacement cache per bucket
	MaxBucketDepth  int // asymmetric split limit
}

// DefaultTableConfig returns the network defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		BucketSize:      constants.BucketSize,
		MaxReplacements: constants.MaxReplacements,
		MaxBucketDepth:  constants.MaxBucketDepth,
	}
}

// Table is the routing table: the local id plus buckets ordered by
// shared-prefix length. Bucket i holds peers whose common prefix with the
// local id is exactly i bits; the final bucket holds everything at or
// beyond its depth and is the only one that splits (classic Kademlia
// asymmetric split). All access is serialized on one lock; every Peer
// crossing the boundary is a copy.
type Table struct {
	mu      sync.RWMutex
	self    ID
	cfg     TableConfig
	buckets []*bucket
	rnd     *mrand.Rand
}

// NewTable creates a routing table for the given local id.
func NewTable(self ID, cfg TableConfig) *Table {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = constants.BucketSize
	}
	if cfg.MaxReplacements <= 0 {
		cfg.MaxReplacements = constants.MaxReplacements
	}
	if cfg.MaxBucketDepth <= 0 {
		cfg.MaxBucketDepth = constants.MaxBucketDepth
	}
	return &Table{
		self:    self,
		cfg:     cfg,
		buckets: []*bucket{newBucket(time.Now())},
		rnd:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// Self returns the local node id.
func (t *Table) Self() ID {
	return t.self
}

// bucketIndex maps an id to its bucket. The last bucket is open-ended.
func (t *Table) bucketIndex(id ID) int {
	cpl := CommonPrefixLen(t.self, id)
	if last := len(t.buckets) - 1; cpl > last {
		return last
	}
	return cpl
}

// InsertOrUpdate records contact with a peer. See Outcome for the contract;
// the table itself never evicts a live entry (lazy eviction).
func (t *Table) InsertOrUpdate(p Peer) InsertResult {
	if p.ID == t.self {
		return InsertResult{Outcome: RejectedSelf}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}

	for {
		idx := t.bucketIndex(p.ID)
		b := t.buckets[idx]
		b.lastActive = now

		if i := b.indexOf(p.ID); i >= 0 {
			t.refreshEntry(b, i, p, now)
			return InsertResult{Outcome: Updated}
		}

		if len(b.entries) < t.cfg.BucketSize {
			b.removeReplacement(p.ID)
			b.entries = append(b.entries, p)
			return InsertResult{Outcome: Inserted}
		}

		// Only the open-ended last bucket may split, and only down to
		// the configured depth.
		if idx == len(t.buckets)-1 && len(t.buckets)-1 < t.cfg.MaxBucketDepth {
			t.splitLastBucket(now)
			continue
		}

		candidate := b.oldest()
		b.addReplacement(p, t.cfg.MaxReplacements)
		return InsertResult{Outcome: BucketFull, Candidate: candidate}
	}
}

// refreshEntry merges fresh contact data into an existing entry and moves
// it to the most-recently-seen position.
func (t *Table) refreshEntry(b *bucket, i int, p Peer, now time.Time) {
	e := &b.entries[i]
	if p.Addr != "" {
		e.Addr = p.Addr
	}
	if p.Name != "" {
		e.Name = p.Name
	}
	if p.NID != "" {
		e.NID = p.NID
	}
	if p.Seq > e.Seq {
		e.Seq = p.Seq
	}
	e.LastSeen = now
	if p.Liveness != LivenessUnknown {
		e.Liveness = p.Liveness
	}
	b.bumpToTail(i)
}

// splitLastBucket divides the open-ended bucket: entries at exactly the old
// depth stay, deeper ones move to a new open-ended bucket.
func (t *Table) splitLastBucket(now time.Time) {
	last := len(t.buckets) - 1
	old := t.buckets[last]
	fresh := newBucket(now)

	var stay []Peer
	for _, e := range old.entries {
		if CommonPrefixLen(t.self, e.ID) > last {
			fresh.entries = append(fresh.entries, e)
		} else {
			stay = append(stay, e)
		}
	}
	old.entries = stay

	var stayRepl []Peer
	for _, r := range old.replacements {
		if CommonPrefixLen(t.self, r.ID) > last {
			fresh.replacements = append(fresh.replacements, r)
		} else {
			stayRepl = append(stayRepl, r)
		}
	}
	old.replacements = stayRepl

	t.buckets = append(t.buckets, fresh)
}

// MarkResponsive records a successful exchange with id: liveness becomes
// responsive and the entry moves to the most-recently-seen position. Used
// both for routine contact and to settle a BucketFull candidate that
// answered its liveness ping.
func (t *Table) MarkResponsive(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].Liveness = LivenessResponsive
	b.entries[i].LastSeen = time.Now()
	b.bumpToTail(i)
	b.lastActive = time.Now()
	return true
}

// MarkUnresponsive downgrades id's liveness without evicting it.
func (t *Table) MarkUnresponsive(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].Liveness = LivenessUnresponsive
	return true
}

// ReplaceDead evicts an entry that failed its liveness check and promotes
// the freshest replacement candidate into the freed slot. It returns the
// promoted peer, if any.
func (t *Table) ReplaceDead(dead ID) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(dead)]
	if !b.removeEntry(dead) {
		return Peer{}, false
	}
	promoted, ok := b.takeReplacement()
	if !ok {
		return Peer{}, false
	}
	promoted.LastSeen = time.Now()
	b.entries = append(b.entries, promoted)
	b.lastActive = time.Now()
	return promoted, true
}

// Remove deletes id from the table, including the replacement caches.
func (t *Table) Remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.bucketIndex(id)]
	b.removeReplacement(id)
	return b.removeEntry(id)
}

// Get returns a copy of the entry for id.
func (t *Table) Get(id ID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := t.buckets[t.bucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.entries[i], true
	}
	return Peer{}, false
}

// Len returns the number of table entries across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// Peers returns a copy of every entry.
func (t *Table) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, 32)
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// FindClosest returns up to n peers ordered by ascending distance to
// target, ties broken by raw id bytes.
func (t *Table) FindClosest(target ID, n int) []Peer {
	all := t.Peers()
	sortPeersByDistance(target, all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// AtLogDistance returns up to limit peers whose log distance from the local
// id is exactly d. FINDNODE answering is built on this.
func (t *Table) AtLogDistance(d, limit int) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Peer
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if LogDistance(t.self, e.ID) == d {
				out = append(out, e)
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// BucketCount returns the current number of buckets.
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// StaleBuckets returns the depths of buckets with no contact for maxAge.
// Maintenance refreshes each by looking up a RefreshTarget at that depth.
func (t *Table) StaleBuckets(maxAge time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	var out []int
	for i, b := range t.buckets {
		if b.lastActive.Before(cutoff) {
			out = append(out, i)
		}
	}
	return out
}

// MarkRefreshed records maintenance activity on the bucket at depth.
func (t *Table) MarkRefreshed(depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if depth >= 0 && depth < len(t.buckets) {
		t.buckets[depth].lastActive = time.Now()
	}
}

// RefreshTarget generates a random id inside the prefix range of the bucket
// at the given depth.
func (t *Table) RefreshTarget(depth int) (ID, error) {
	return RandomIDAtLogDistance(t.self, IDBits-depth)
}

// RevalidationCandidate picks the least-recently-seen entry of a random
// non-empty bucket for a liveness check.
func (t *Table) RevalidationCandidate() (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.rnd.Intn(len(t.buckets))
	for i := 0; i < len(t.buckets); i++ {
		b := t.buckets[(start+i)%len(t.buckets)]
		if len(b.entries) > 0 {
			return b.oldest(), true
		}
	}
	return Peer{}, false
}
