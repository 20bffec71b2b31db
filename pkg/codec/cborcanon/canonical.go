// Package cborcanon provides canonical CBOR encoding for the combnet wire
// protocol. All frames and envelopes are encoded deterministically (sorted
// map keys, shortest-form integers) so that signatures computed over the
// encoding are stable across implementations.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the shared canonical encoder (RFC 7049 canonical form:
// deterministic key order, shortest integer encodings).
var CanonicalMode cbor.EncMode

// StrictMode is the shared decoder. Duplicate map keys are rejected rather
// than last-write-wins so a signed frame cannot carry two values for one
// field.
var StrictMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: canonical enc mode: %v", err))
	}
	StrictMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: strict dec mode: %v", err))
	}
}

// Marshal encodes v in canonical CBOR form.
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v under the strict decode options.
func Unmarshal(data []byte, v interface{}) error {
	return StrictMode.Unmarshal(data, v)
}

// CanonicalBytes re-encodes arbitrary CBOR input into canonical form.
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical reports whether data is already in canonical form.
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// EncodeForSigning encodes v canonically with the named top-level fields
// removed. Signing and verification both run over this encoding, typically
// excluding the "sig" field itself.
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for _, field := range excludeFields {
		delete(m, field)
	}

	// CanonicalMode sorts map keys, so re-encoding the pruned map is
	// deterministic.
	return Marshal(m)
}
