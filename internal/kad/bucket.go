package kad

import "time"

// bucket holds up to K peers covering one shared-prefix range, ordered by
// recency of contact with the most-recently-seen entry last, plus a small
// cache of replacement candidates parked while the bucket is full.
// Synchronization belongs to the owning Table.
type bucket struct {
	entries      []Peer // most-recently-seen last
	replacements []Peer // newest first
	lastActive   time.Time
}

func newBucket(now time.Time) *bucket {
	return &bucket{lastActive: now}
}

// indexOf returns the position of id in entries, or -1.
func (b *bucket) indexOf(id ID) int {
	for i := range b.entries {
		if b.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// bumpToTail moves the entry at i to the most-recently-seen position.
func (b *bucket) bumpToTail(i int) {
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append(b.entries, e)
}

// oldest returns the least-recently-seen entry. Valid only when non-empty.
func (b *bucket) oldest() Peer {
	return b.entries[0]
}

// removeEntry deletes id from entries, reporting whether it was present.
func (b *bucket) removeEntry(id ID) bool {
	if i := b.indexOf(id); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return true
	}
	return false
}

// addReplacement parks p as an eviction-time substitute, newest first,
// bounded by max. An existing entry for the same id is refreshed in place.
func (b *bucket) addReplacement(p Peer, max int) {
	for i := range b.replacements {
		if b.replacements[i].ID == p.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append([]Peer{p}, b.replacements...)
	if len(b.replacements) > max {
		b.replacements = b.replacements[:max]
	}
}

// takeReplacement pops the most recent replacement candidate.
func (b *bucket) takeReplacement() (Peer, bool) {
	if len(b.replacements) == 0 {
		return Peer{}, false
	}
	p := b.replacements[0]
	b.replacements = b.replacements[1:]
	return p, true
}

// removeReplacement drops id from the replacement cache.
func (b *bucket) removeReplacement(id ID) {
	for i := range b.replacements {
		if b.replacements[i].ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return
		}
	}
}
