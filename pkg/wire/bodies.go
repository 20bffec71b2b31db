package wire

import (
	"fmt"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
)

// CONTENT response modes. Exactly one of the three applies per reply.
const (
	// ContentModePayload carries the content inline.
	ContentModePayload uint8 = 1
	// ContentModePeers refers the requester to closer peers.
	ContentModePeers uint8 = 2
	// ContentModeTransfer hands out a session id for a bulk transfer.
	ContentModeTransfer uint8 = 3
)

// maxRequestedDistances bounds one FINDNODE request.
const maxRequestedDistances = 16

// PeerRecord is the wire form of a routing table entry.
type PeerRecord struct {
	NID  string `cbor:"nid"`
	Addr string `cbor:"addr"`
	Name string `cbor:"name,omitempty"`
	Seq  uint64 `cbor:"seq"`
}

// Peer converts the record into a routing table peer, deriving the node
// id from the NID.
func (r PeerRecord) Peer() (kad.Peer, error) {
	id, err := identity.NodeIDFromNID(r.NID)
	if err != nil {
		return kad.Peer{}, err
	}
	return kad.Peer{
		ID:   kad.ID(id),
		NID:  r.NID,
		Addr: r.Addr,
		Name: r.Name,
		Seq:  r.Seq,
	}, nil
}

// RecordFromPeer converts a routing table peer into its wire form.
func RecordFromPeer(p kad.Peer) PeerRecord {
	return PeerRecord{
		NID:  p.NID,
		Addr: p.Addr,
		Name: p.Name,
		Seq:  p.Seq,
	}
}

// RecordsFromPeers converts a peer slice, preserving order.
func RecordsFromPeers(peers []kad.Peer) []PeerRecord {
	out := make([]PeerRecord, 0, len(peers))
	for _, p := range peers {
		out = append(out, RecordFromPeer(p))
	}
	return out
}

// RadiusBytes encodes an acceptance radius as a 32-byte big-endian
// integer for the wire.
func RadiusBytes(d kad.Distance) []byte {
	b := d.Bytes32()
	return b[:]
}

// RadiusFromBytes decodes a wire radius.
func RadiusFromBytes(b []byte) (kad.Distance, error) {
	return kad.DistanceFromBytes(b)
}

// PingBody announces the sender's record sequence and acceptance radius.
type PingBody struct {
	RecordSeq uint64 `cbor:"record_seq"`
	Radius    []byte `cbor:"radius"`
}

func (b *PingBody) Validate() error {
	if len(b.Radius) != kad.IDBits/8 {
		return fmt.Errorf("radius must be %d bytes, got %d", kad.IDBits/8, len(b.Radius))
	}
	return nil
}

// PongBody mirrors PingBody for the responder.
type PongBody struct {
	RecordSeq uint64 `cbor:"record_seq"`
	Radius    []byte `cbor:"radius"`
}

func (b *PongBody) Validate() error {
	if len(b.Radius) != kad.IDBits/8 {
		return fmt.Errorf("radius must be %d bytes, got %d", kad.IDBits/8, len(b.Radius))
	}
	return nil
}

// FindNodeBody requests peers at the given log distances from the
// responder. Distance 0 asks for the responder's own record.
type FindNodeBody struct {
	Distances []uint16 `cbor:"distances"`
}

func (b *FindNodeBody) Validate() error {
	if len(b.Distances) == 0 {
		return fmt.Errorf("no distances requested")
	}
	if len(b.Distances) > maxRequestedDistances {
		return fmt.Errorf("too many distances: %d", len(b.Distances))
	}
	for _, d := range b.Distances {
		if d > kad.IDBits {
			return fmt.Errorf("distance %d out of range", d)
		}
	}
	return nil
}

// NodesBody answers FINDNODE. Total is carried for forward compatibility
// with multi-datagram answers; this implementation always sends one.
type NodesBody struct {
	Total uint8        `cbor:"total"`
	Peers []PeerRecord `cbor:"peers"`
}

func (b *NodesBody) Validate() error {
	if b.Total == 0 {
		return fmt.Errorf("total must be at least 1")
	}
	if len(b.Peers) > constants.FindNodesResultLimit {
		return fmt.Errorf("too many peers: %d", len(b.Peers))
	}
	return nil
}

// FindContentBody requests the content with the given id.
type FindContentBody struct {
	Target []byte `cbor:"target"`
}

func (b *FindContentBody) Validate() error {
	if len(b.Target) != kad.IDBits/8 {
		return fmt.Errorf("target must be %d bytes, got %d", kad.IDBits/8, len(b.Target))
	}
	return nil
}

// TargetID returns the requested content id.
func (b *FindContentBody) TargetID() (kad.ID, error) {
	return kad.IDFromBytes(b.Target)
}

// ContentBody answers FINDCONTENT with exactly one of: the payload
// inline, a set of closer peers, or a transfer session for bulk
// delivery.
type ContentBody struct {
	Mode     uint8        `cbor:"mode"`
	Payload  []byte       `cbor:"payload,omitempty"`
	Peers    []PeerRecord `cbor:"peers,omitempty"`
	ConnID   uint16       `cbor:"conn_id,omitempty"`
	XferAddr string       `cbor:"xfer_addr,omitempty"`
}

func (b *ContentBody) Validate() error {
	switch b.Mode {
	case ContentModePayload:
		if len(b.Peers) != 0 {
			return fmt.Errorf("payload mode carries no peers")
		}
	case ContentModePeers:
		if len(b.Payload) != 0 {
			return fmt.Errorf("peers mode carries no payload")
		}
	case ContentModeTransfer:
		if len(b.Payload) != 0 || len(b.Peers) != 0 {
			return fmt.Errorf("transfer mode carries only a session")
		}
		if b.XferAddr == "" {
			return fmt.Errorf("transfer mode requires an address")
		}
	default:
		return fmt.Errorf("unknown content mode %d", b.Mode)
	}
	return nil
}

// OfferBody advertises content ids the sender holds.
type OfferBody struct {
	Keys [][]byte `cbor:"keys"`
}

func (b *OfferBody) Validate() error {
	if len(b.Keys) == 0 {
		return fmt.Errorf("empty offer")
	}
	if len(b.Keys) > constants.MaxOfferKeys {
		return fmt.Errorf("too many keys: %d", len(b.Keys))
	}
	for i, k := range b.Keys {
		if len(k) != kad.IDBits/8 {
			return fmt.Errorf("key %d must be %d bytes, got %d", i, kad.IDBits/8, len(k))
		}
	}
	return nil
}

// KeyIDs returns the offered content ids.
func (b *OfferBody) KeyIDs() ([]kad.ID, error) {
	out := make([]kad.ID, 0, len(b.Keys))
	for _, k := range b.Keys {
		id, err := kad.IDFromBytes(k)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// AcceptBody answers OFFER with a bitlist selecting the wanted keys,
// positionally matching the offer, plus the transfer session to push
// them over. A zero bitlist declines everything and carries no session.
type AcceptBody struct {
	Keys     bitfield.Bitlist `cbor:"keys"`
	ConnID   uint16           `cbor:"conn_id,omitempty"`
	XferAddr string           `cbor:"xfer_addr,omitempty"`
}

func (b *AcceptBody) Validate() error {
	if len(b.Keys) == 0 {
		return fmt.Errorf("missing key bitlist")
	}
	return nil
}

// WantsAny reports whether any offered key was selected.
func (b *AcceptBody) WantsAny() bool {
	return b.Keys.Count() > 0
}

// Frame constructors for the eight message kinds.

// NewPingFrame builds a PING announcing seq and radius.
func NewPingFrame(from string, seq uint64, recordSeq uint64, radius kad.Distance) (*Frame, error) {
	return NewFrame(constants.KindPing, from, seq, &PingBody{
		RecordSeq: recordSeq,
		Radius:    RadiusBytes(radius),
	})
}

// NewPongFrame builds a PONG echoing echoSeq.
func NewPongFrame(from string, echoSeq uint64, recordSeq uint64, radius kad.Distance) (*Frame, error) {
	return NewFrame(constants.KindPong, from, echoSeq, &PongBody{
		RecordSeq: recordSeq,
		Radius:    RadiusBytes(radius),
	})
}

// NewFindNodeFrame builds a FINDNODE for the given log distances.
func NewFindNodeFrame(from string, seq uint64, distances []uint16) (*Frame, error) {
	return NewFrame(constants.KindFindNode, from, seq, &FindNodeBody{Distances: distances})
}

// NewNodesFrame builds a NODES response echoing echoSeq.
func NewNodesFrame(from string, echoSeq uint64, peers []kad.Peer) (*Frame, error) {
	return NewFrame(constants.KindNodes, from, echoSeq, &NodesBody{
		Total: 1,
		Peers: RecordsFromPeers(peers),
	})
}

// NewFindContentFrame builds a FINDCONTENT for target.
func NewFindContentFrame(from string, seq uint64, target kad.ID) (*Frame, error) {
	return NewFrame(constants.KindFindContent, from, seq, &FindContentBody{Target: target[:]})
}

// NewContentFrame builds a CONTENT response echoing echoSeq.
func NewContentFrame(from string, echoSeq uint64, body *ContentBody) (*Frame, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}
	return NewFrame(constants.KindContent, from, echoSeq, body)
}

// NewOfferFrame builds an OFFER for the given content ids.
func NewOfferFrame(from string, seq uint64, ids []kad.ID) (*Frame, error) {
	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		k := id
		keys = append(keys, k[:])
	}
	return NewFrame(constants.KindOffer, from, seq, &OfferBody{Keys: keys})
}

// NewAcceptFrame builds an ACCEPT response echoing echoSeq. wanted must
// have one bit per offered key.
func NewAcceptFrame(from string, echoSeq uint64, wanted bitfield.Bitlist, connID uint16, xferAddr string) (*Frame, error) {
	return NewFrame(constants.KindAccept, from, echoSeq, &AcceptBody{
		Keys:     wanted,
		ConnID:   connID,
		XferAddr: xferAddr,
	})
}
