// Package wire implements the overlay message envelope and the bodies of
// the eight protocol messages. Every envelope shares a canonical CBOR
// structure and is individually signed with the sender's Ed25519 key.
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/WebFirstLanguage/combnet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// Frame is the common envelope for all overlay messages. The body is
// kept as raw CBOR so it can be decoded per kind after the envelope is
// verified. Responses echo the Seq of the request they answer, which
// lets callers discard stale replies.
type Frame struct {
	V    uint16          `cbor:"v"`    // protocol version
	Kind uint16          `cbor:"kind"` // message kind
	From string          `cbor:"from"` // sender NID
	Seq  uint64          `cbor:"seq"`  // request sequence, echoed in responses
	TS   uint64          `cbor:"ts"`   // ms since Unix epoch
	Body cbor.RawMessage `cbor:"body"` // kind-specific payload
	Sig  []byte          `cbor:"sig"`  // Ed25519 over canonical(v|kind|from|seq|ts|body)
}

// NewFrame builds an unsigned frame around body with the current
// timestamp.
func NewFrame(kind uint16, from string, seq uint64, body interface{}) (*Frame, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", KindName(kind), err)
	}
	return &Frame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: raw,
	}, nil
}

// Sign signs the frame with the provided Ed25519 private key.
func (f *Frame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the frame signature against the provided public key.
func (f *Frame) Verify(publicKey ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("frame has no signature")
	}
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Decode parses an incoming datagram into a frame. Malformed input is
// reported as a *DecodeError so handlers can drop it silently.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := cborcanon.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	return &f, nil
}

// Validate performs structural checks that apply to every kind.
func (f *Frame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return &DecodeError{Reason: fmt.Sprintf("unsupported protocol version %d", f.V)}
	}
	if f.Kind < constants.KindPing || f.Kind > constants.KindAccept {
		return &DecodeError{Reason: fmt.Sprintf("unknown message kind %d", f.Kind)}
	}
	if f.From == "" {
		return &DecodeError{Reason: "missing sender NID"}
	}
	if len(f.Sig) == 0 {
		return &DecodeError{Reason: "missing signature"}
	}
	if len(f.Body) == 0 {
		return &DecodeError{Reason: "missing body"}
	}
	return nil
}

// DecodeBody decodes the raw body into the typed struct for the frame's
// kind and runs its validation.
func (f *Frame) DecodeBody() (interface{}, error) {
	var body interface {
		Validate() error
	}
	switch f.Kind {
	case constants.KindPing:
		body = new(PingBody)
	case constants.KindPong:
		body = new(PongBody)
	case constants.KindFindNode:
		body = new(FindNodeBody)
	case constants.KindNodes:
		body = new(NodesBody)
	case constants.KindFindContent:
		body = new(FindContentBody)
	case constants.KindContent:
		body = new(ContentBody)
	case constants.KindOffer:
		body = new(OfferBody)
	case constants.KindAccept:
		body = new(AcceptBody)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message kind %d", f.Kind)}
	}

	if err := cborcanon.Unmarshal(f.Body, body); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed %s body", KindName(f.Kind)), Err: err}
	}
	if err := body.Validate(); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid %s body", KindName(f.Kind)), Err: err}
	}
	return body, nil
}

// IsKind checks if the frame is of the specified kind.
func (f *Frame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time.
func (f *Frame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// KindName returns the protocol name for a message kind.
func KindName(kind uint16) string {
	switch kind {
	case constants.KindPing:
		return "PING"
	case constants.KindPong:
		return "PONG"
	case constants.KindFindNode:
		return "FINDNODE"
	case constants.KindNodes:
		return "NODES"
	case constants.KindFindContent:
		return "FINDCONTENT"
	case constants.KindContent:
		return "CONTENT"
	case constants.KindOffer:
		return "OFFER"
	case constants.KindAccept:
		return "ACCEPT"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}
