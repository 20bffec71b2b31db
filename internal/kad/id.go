// Package kad implements the overlay's Kademlia-style core: the 256-bit
// identifier space with its XOR distance metric, the routing table with
// asymmetric bucket splitting and lazy eviction, and the iterative lookup
// engine.
package kad

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

// IDBits is the width of the identifier space. Node ids and content ids
// share this space and are compared only through the distance metric.
const IDBits = 256

// ID is a fixed-length opaque identifier for a peer or a content item.
type ID [32]byte

// IDFromBytes converts a 32-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid id length %d, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a 64-character hex string into an ID.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id hex: %w", err)
	}
	return IDFromBytes(raw)
}

// Hex returns the lowercase hex encoding of the id.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns an abbreviated form for logs.
func (id ID) String() string {
	return hex.EncodeToString(id[:6])
}

// Distance is the XOR of two identifiers interpreted as a 256-bit unsigned
// integer. It is totally ordered; distance(a,a) is zero and the metric is
// symmetric.
type Distance = uint256.Int

// DistanceBetween computes the XOR distance between two identifiers.
func DistanceBetween(a, b ID) Distance {
	var x [32]byte
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	var d uint256.Int
	d.SetBytes32(x[:])
	return d
}

// MaxDistance returns the largest representable distance. An unconstrained
// data radius advertises this value.
func MaxDistance() Distance {
	var d uint256.Int
	d.SetAllOne()
	return d
}

// DistanceFromBytes decodes a 32-byte big-endian distance, as carried in
// PING/PONG radius hints.
func DistanceFromBytes(b []byte) (Distance, error) {
	if len(b) != 32 {
		return Distance{}, fmt.Errorf("invalid distance length %d, want 32", len(b))
	}
	var d uint256.Int
	d.SetBytes32(b)
	return d, nil
}

// LogDistance returns the position of the highest differing bit between two
// identifiers, in [1, 256], or 0 when they are equal. It names the bucket
// depth range used by FINDNODE queries.
func LogDistance(a, b ID) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return (len(a)-i-1)*8 + bits.Len8(x)
		}
	}
	return 0
}

// CommonPrefixLen returns the number of leading bits shared by two
// identifiers, in [0, 256].
func CommonPrefixLen(a, b ID) int {
	return IDBits - LogDistance(a, b)
}

// RandomIDAtLogDistance generates a uniformly random identifier whose log
// distance from local is exactly dist. Bucket refresh targets lookups at
// such ids to repopulate a specific distance range.
func RandomIDAtLogDistance(local ID, dist int) (ID, error) {
	if dist < 1 || dist > IDBits {
		return ID{}, fmt.Errorf("log distance %d out of range [1,%d]", dist, IDBits)
	}

	var x ID
	if _, err := rand.Read(x[:]); err != nil {
		return ID{}, fmt.Errorf("failed to read randomness: %w", err)
	}

	// The XOR mask has 256-dist leading zero bits, then a forced one bit,
	// then dist-1 random bits.
	zeros := IDBits - dist
	byteIdx := zeros / 8
	bitIdx := zeros % 8
	for i := 0; i < byteIdx; i++ {
		x[i] = 0
	}
	x[byteIdx] &= 0xFF >> bitIdx
	x[byteIdx] |= 0x80 >> bitIdx

	var out ID
	for i := range out {
		out[i] = local[i] ^ x[i]
	}
	return out, nil
}
