package overlay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/internal/store"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/transfer"
	"github.com/WebFirstLanguage/combnet/pkg/wire"
)

// HandleRequest serves one inbound request datagram and returns the
// response to send back. A non-nil error drops the request without a
// reply; malformed, unverifiable, and rate-limited traffic all end
// there. Every verified contact also feeds the sender into the routing
// table.
func (s *Service) HandleRequest(fromAddr string, raw []byte) ([]byte, error) {
	frame, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	pub, err := identity.ParseNID(frame.From)
	if err != nil {
		return nil, &wire.DecodeError{Reason: "unparseable sender identity", Err: err}
	}
	if err := frame.Verify(pub); err != nil {
		return nil, err
	}

	sender := kad.ID(identity.NodeIDFromPublicKey(pub))
	if sender == s.self {
		return nil, fmt.Errorf("overlay: dropping frame from own identity")
	}
	if !s.limiter.allow(sender) {
		return nil, fmt.Errorf("overlay: rate limited %s", frame.From)
	}

	body, err := frame.DecodeBody()
	if err != nil {
		return nil, err
	}

	switch b := body.(type) {
	case *wire.PingBody:
		s.rememberRadius(sender, b.Radius)
		s.observeSender(sender, frame.From, fromAddr, b.RecordSeq)
		return s.answerPing(frame)
	case *wire.FindNodeBody:
		s.observeSender(sender, frame.From, fromAddr, 0)
		return s.answerFindNode(frame, sender, b)
	case *wire.FindContentBody:
		s.observeSender(sender, frame.From, fromAddr, 0)
		return s.answerFindContent(frame, sender, b)
	case *wire.OfferBody:
		s.observeSender(sender, frame.From, fromAddr, 0)
		return s.answerOffer(frame, b)
	default:
		// Response kinds are never valid as requests.
		return nil, fmt.Errorf("overlay: unexpected %s request", wire.KindName(frame.Kind))
	}
}

// observeSender records direct contact from a verified sender.
func (s *Service) observeSender(sender kad.ID, nid, addr string, recordSeq uint64) {
	s.observePeer(kad.Peer{
		ID:       sender,
		NID:      nid,
		Addr:     addr,
		Seq:      recordSeq,
		LastSeen: time.Now(),
		Liveness: kad.LivenessResponsive,
	})
}

// reply signs and encodes a response frame.
func (s *Service) reply(f *wire.Frame) ([]byte, error) {
	if err := f.Sign(s.id.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("overlay: sign %s: %w", wire.KindName(f.Kind), err)
	}
	return f.Marshal()
}

func (s *Service) answerPing(frame *wire.Frame) ([]byte, error) {
	pong, err := wire.NewPongFrame(s.nid, frame.Seq, s.recordSeq.Load(), s.store.Radius())
	if err != nil {
		return nil, err
	}
	return s.reply(pong)
}

func (s *Service) answerFindNode(frame *wire.Frame, sender kad.ID, b *wire.FindNodeBody) ([]byte, error) {
	resp, err := wire.NewNodesFrame(s.nid, frame.Seq, s.peersAtDistances(sender, b.Distances))
	if err != nil {
		return nil, err
	}
	return s.reply(resp)
}

// peersAtDistances collects table entries at the requested log
// distances, deduplicated, capped at the result limit. Distance 0 asks
// for the node's own record; the sender itself is never echoed back.
func (s *Service) peersAtDistances(sender kad.ID, distances []uint16) []kad.Peer {
	seen := make(map[kad.ID]struct{})
	var out []kad.Peer
	for _, d := range distances {
		if len(out) >= constants.FindNodesResultLimit {
			break
		}
		if d == 0 {
			if _, dup := seen[s.self]; !dup {
				seen[s.self] = struct{}{}
				out = append(out, s.selfRecord())
			}
			continue
		}
		for _, p := range s.table.AtLogDistance(int(d), constants.FindNodesResultLimit-len(out)) {
			if p.ID == sender {
				continue
			}
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) answerFindContent(frame *wire.Frame, sender kad.ID, b *wire.FindContentBody) ([]byte, error) {
	target, err := b.TargetID()
	if err != nil {
		return nil, err
	}

	payload, err := s.store.Get(target)
	if err == nil {
		if len(payload) <= s.inlineLimit {
			return s.contentReply(frame, &wire.ContentBody{
				Mode:    wire.ContentModePayload,
				Payload: payload,
			})
		}
		if s.transfers != nil {
			sess, serr := s.transfers.Expect()
			if serr == nil {
				go s.pushContent(sess, payload)
				return s.contentReply(frame, &wire.ContentBody{
					Mode:     wire.ContentModeTransfer,
					ConnID:   sess.ID(),
					XferAddr: s.transfers.Addr(),
				})
			}
			s.logf("overlay: register content transfer: %v", serr)
		}
		// No transfer path available: answer with closer peers so the
		// requester can try elsewhere.
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return s.contentReply(frame, &wire.ContentBody{
		Mode:  wire.ContentModePeers,
		Peers: wire.RecordsFromPeers(s.closerPeers(target, sender)),
	})
}

func (s *Service) contentReply(frame *wire.Frame, body *wire.ContentBody) ([]byte, error) {
	resp, err := wire.NewContentFrame(s.nid, frame.Seq, body)
	if err != nil {
		return nil, err
	}
	return s.reply(resp)
}

// closerPeers returns the table's closest entries to target, minus the
// requester.
func (s *Service) closerPeers(target kad.ID, sender kad.ID) []kad.Peer {
	closest := s.table.FindClosest(target, constants.FindNodesResultLimit)
	out := closest[:0]
	for _, p := range closest {
		if p.ID == sender {
			continue
		}
		out = append(out, p)
	}
	return out
}

// pushContent waits for the requester to claim a transfer session, then
// streams the payload.
func (s *Service) pushContent(sess *transfer.Session, payload []byte) {
	ctx, cancel := context.WithTimeout(s.runCtx(), constants.TransferAcceptTimeout+constants.TransferIOTimeout)
	defer cancel()

	conn, err := sess.Accept(ctx)
	if err != nil {
		s.logf("overlay: content transfer unclaimed: %v", err)
		return
	}
	if err := transfer.SendPayload(conn, payload); err != nil {
		s.logf("overlay: push content: %v", err)
	}
}

func (s *Service) answerOffer(frame *wire.Frame, b *wire.OfferBody) ([]byte, error) {
	ids, err := b.KeyIDs()
	if err != nil {
		return nil, err
	}

	wanted := bitfield.NewBitlist(uint64(len(ids)))
	var accepted []kad.ID
	if s.transfers != nil {
		for i, id := range ids {
			if s.store.Contains(id) || !s.store.ShouldStore(id) {
				continue
			}
			wanted.SetBitAt(uint64(i), true)
			accepted = append(accepted, id)
		}
	}

	if len(accepted) == 0 {
		return s.acceptReply(frame, wanted, 0, "")
	}

	sess, err := s.transfers.Expect()
	if err != nil {
		s.logf("overlay: register offer transfer: %v", err)
		return s.acceptReply(frame, bitfield.NewBitlist(uint64(len(ids))), 0, "")
	}
	go s.receiveOffered(sess, accepted)
	return s.acceptReply(frame, wanted, sess.ID(), s.transfers.Addr())
}

func (s *Service) acceptReply(frame *wire.Frame, wanted bitfield.Bitlist, connID uint16, xferAddr string) ([]byte, error) {
	resp, err := wire.NewAcceptFrame(s.nid, frame.Seq, wanted, connID, xferAddr)
	if err != nil {
		return nil, err
	}
	return s.reply(resp)
}

// receiveOffered waits for the offering peer to push the accepted
// payloads and stores each as it lands. A short stream stores what
// arrived before the break.
func (s *Service) receiveOffered(sess *transfer.Session, ids []kad.ID) {
	ctx, cancel := context.WithTimeout(s.runCtx(), constants.TransferAcceptTimeout+constants.TransferIOTimeout)
	defer cancel()

	conn, err := sess.Accept(ctx)
	if err != nil {
		s.logf("overlay: offer transfer unclaimed: %v", err)
		return
	}

	payloads, err := transfer.ReadPayloads(conn, len(ids), constants.MaxContentSize)
	for i, payload := range payloads {
		if perr := s.store.Put(ids[i], payload); perr != nil {
			s.logf("overlay: store offered %s: %v", ids[i], perr)
		}
	}
	if err != nil {
		s.logf("overlay: offer transfer: %v", err)
	}
}
