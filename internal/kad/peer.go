package kad

import (
	"bytes"
	"sort"
	"time"
)

// Liveness tracks what the local node knows about a peer's reachability.
// It is driven purely by RPC outcomes: successful exchanges mark a peer
// responsive, timeouts and transport failures mark it unresponsive.
type Liveness uint8

const (
	LivenessUnknown Liveness = iota
	LivenessResponsive
	LivenessUnresponsive
)

// String returns the liveness state name.
func (l Liveness) String() string {
	switch l {
	case LivenessUnknown:
		return "unknown"
	case LivenessResponsive:
		return "responsive"
	case LivenessUnresponsive:
		return "unresponsive"
	default:
		return "invalid"
	}
}

// Peer describes one known overlay peer. Peers are value types: the routing
// table hands out copies, never references into its own state.
type Peer struct {
	ID       ID
	NID      string // printable identity, parseable to the signing key
	Addr     string // overlay datagram endpoint
	Name     string // operator label, NFKC-normalized
	Seq      uint64 // peer record sequence number
	LastSeen time.Time
	Liveness Liveness
}

// sortPeersByDistance orders peers by ascending distance to target, with a
// deterministic tie-break on raw id bytes.
func sortPeersByDistance(target ID, peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		di := DistanceBetween(target, peers[i].ID)
		dj := DistanceBetween(target, peers[j].ID)
		if c := di.Cmp(&dj); c != 0 {
			return c < 0
		}
		return bytes.Compare(peers[i].ID[:], peers[j].ID[:]) < 0
	})
}
