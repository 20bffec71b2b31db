// Package content defines content addressing for the overlay: ids are
// BLAKE3-256 hashes of the payload bytes, living in the same 256-bit
// space as node ids.
package content

import (
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/combnet/internal/kad"
)

// IDSize is the size of a content id in bytes.
const IDSize = 32

// DeriveID computes the content id for a payload using BLAKE3-256.
// Content ids share the node id space, so routing distance applies to
// them directly.
func DeriveID(payload []byte) kad.ID {
	return kad.ID(blake3.Sum256(payload))
}

// ParseID parses a hex content id, with or without a 0x prefix.
func ParseID(s string) (kad.ID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	id, err := kad.IDFromHex(s)
	if err != nil {
		return kad.ID{}, fmt.Errorf("invalid content id: %w", err)
	}
	return id, nil
}

// FormatID renders a content id as lowercase hex.
func FormatID(id kad.ID) string {
	return id.Hex()
}

// VerifyPayload checks that payload hashes to id.
func VerifyPayload(id kad.ID, payload []byte) error {
	if got := DeriveID(payload); got != id {
		return fmt.Errorf("payload hash %s does not match content id %s", got.Hex(), id.Hex())
	}
	return nil
}
