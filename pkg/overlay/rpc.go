package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/transfer"
	"github.com/WebFirstLanguage/combnet/pkg/wire"
)

// roundTrip signs req, sends it to p, and returns the decoded body of
// the response after checking the signature, the sequence echo, the
// responder identity, and the kind. A verified response also refreshes p
// in the routing table.
func (s *Service) roundTrip(ctx context.Context, p kad.Peer, req *wire.Frame, wantKind uint16) (interface{}, error) {
	if err := req.Sign(s.id.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("overlay: sign %s: %w", wire.KindName(req.Kind), err)
	}
	raw, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	data, err := s.messenger.Request(ctx, p.Addr, raw)
	if err != nil {
		return nil, err
	}

	resp, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	if resp.Seq != req.Seq {
		return nil, fmt.Errorf("overlay: stale response: seq %d, want %d", resp.Seq, req.Seq)
	}

	pub, err := identity.ParseNID(resp.From)
	if err != nil {
		return nil, &wire.DecodeError{Reason: "unparseable responder identity", Err: err}
	}
	if err := resp.Verify(pub); err != nil {
		return nil, err
	}
	if responder := kad.ID(identity.NodeIDFromPublicKey(pub)); responder != p.ID {
		return nil, fmt.Errorf("overlay: response signed by %s, queried %s", responder, p.ID)
	}
	if !resp.IsKind(wantKind) {
		return nil, fmt.Errorf("overlay: expected %s, got %s", wire.KindName(wantKind), wire.KindName(resp.Kind))
	}

	body, err := resp.DecodeBody()
	if err != nil {
		return nil, err
	}

	p.LastSeen = time.Now()
	p.Liveness = kad.LivenessResponsive
	s.observePeer(p)
	return body, nil
}

// Ping checks a peer's liveness and refreshes its advertised radius.
func (s *Service) Ping(ctx context.Context, p kad.Peer) (*wire.PongBody, error) {
	req, err := wire.NewPingFrame(s.nid, s.nextSeq(), s.recordSeq.Load(), s.store.Radius())
	if err != nil {
		return nil, err
	}

	body, err := s.roundTrip(ctx, p, req, constants.KindPong)
	if err != nil {
		return nil, err
	}
	pong, ok := body.(*wire.PongBody)
	if !ok {
		return nil, fmt.Errorf("overlay: malformed PONG body")
	}
	s.rememberRadius(p.ID, pong.Radius)
	return pong, nil
}

// findNodes asks p for its table entries at the given log distances and
// merges the answer into the local table.
func (s *Service) findNodes(ctx context.Context, p kad.Peer, distances []uint16) ([]kad.Peer, error) {
	req, err := wire.NewFindNodeFrame(s.nid, s.nextSeq(), distances)
	if err != nil {
		return nil, err
	}

	body, err := s.roundTrip(ctx, p, req, constants.KindNodes)
	if err != nil {
		return nil, err
	}
	nodes, ok := body.(*wire.NodesBody)
	if !ok {
		return nil, fmt.Errorf("overlay: malformed NODES body")
	}

	peers := s.peersFromRecords(nodes.Peers)
	s.mergePeers(peers)
	return peers, nil
}

// findContent asks p for a content id. It returns the payload when p
// holds it, pulling oversized payloads through a transfer session, or
// the closer peers p advertised instead.
func (s *Service) findContent(ctx context.Context, p kad.Peer, target kad.ID) ([]byte, []kad.Peer, error) {
	req, err := wire.NewFindContentFrame(s.nid, s.nextSeq(), target)
	if err != nil {
		return nil, nil, err
	}

	body, err := s.roundTrip(ctx, p, req, constants.KindContent)
	if err != nil {
		return nil, nil, err
	}
	c, ok := body.(*wire.ContentBody)
	if !ok {
		return nil, nil, fmt.Errorf("overlay: malformed CONTENT body")
	}

	switch c.Mode {
	case wire.ContentModePayload:
		if c.Payload == nil {
			// Zero-length content still counts as found.
			return []byte{}, nil, nil
		}
		return c.Payload, nil, nil
	case wire.ContentModePeers:
		peers := s.peersFromRecords(c.Peers)
		s.mergePeers(peers)
		return nil, peers, nil
	case wire.ContentModeTransfer:
		if s.transfers == nil {
			return nil, nil, fmt.Errorf("overlay: %s requires a transfer session, none configured", p.ID)
		}
		conn, err := s.transfers.Dial(ctx, c.XferAddr, c.ConnID)
		if err != nil {
			return nil, nil, err
		}
		payload, err := transfer.ReceivePayload(conn, constants.MaxContentSize)
		if err != nil {
			return nil, nil, err
		}
		return payload, nil, nil
	default:
		return nil, nil, fmt.Errorf("overlay: unknown content mode %d", c.Mode)
	}
}

// offerContent offers ids to p and pushes whichever payloads p accepts.
// payloads aligns with ids. Returns how many payloads were pushed.
func (s *Service) offerContent(ctx context.Context, p kad.Peer, ids []kad.ID, payloads [][]byte) (int, error) {
	if len(ids) != len(payloads) {
		return 0, fmt.Errorf("overlay: %d ids with %d payloads", len(ids), len(payloads))
	}

	req, err := wire.NewOfferFrame(s.nid, s.nextSeq(), ids)
	if err != nil {
		return 0, err
	}

	body, err := s.roundTrip(ctx, p, req, constants.KindAccept)
	if err != nil {
		return 0, err
	}
	acc, ok := body.(*wire.AcceptBody)
	if !ok {
		return 0, fmt.Errorf("overlay: malformed ACCEPT body")
	}

	if acc.Keys.Len() != uint64(len(ids)) {
		return 0, fmt.Errorf("overlay: accept bitlist covers %d keys, offered %d", acc.Keys.Len(), len(ids))
	}
	if !acc.WantsAny() {
		return 0, nil
	}
	if s.transfers == nil {
		return 0, fmt.Errorf("overlay: peer accepted but no transfer session configured")
	}

	selected := make([][]byte, 0, len(payloads))
	for i := range ids {
		if acc.Keys.BitAt(uint64(i)) {
			selected = append(selected, payloads[i])
		}
	}

	conn, err := s.transfers.Dial(ctx, acc.XferAddr, acc.ConnID)
	if err != nil {
		return 0, err
	}
	if err := transfer.WritePayloads(conn, selected); err != nil {
		return 0, err
	}
	return len(selected), nil
}

// peersFromRecords converts wire peer records, skipping malformed ones
// and the local node.
func (s *Service) peersFromRecords(records []wire.PeerRecord) []kad.Peer {
	out := make([]kad.Peer, 0, len(records))
	for _, r := range records {
		p, err := r.Peer()
		if err != nil {
			s.logf("overlay: bad peer record: %v", err)
			continue
		}
		if p.ID == s.self {
			continue
		}
		out = append(out, p)
	}
	return out
}
