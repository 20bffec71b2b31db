// Package identity implements combnet node identity: Ed25519 signing and
// X25519 key-agreement key pairs, the printable NID form of the signing key,
// derivation of the 256-bit overlay node id, and identity persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// NIDPrefix starts every printable node identity string. The remainder is
// the lowercase hex encoding of the full Ed25519 public key, so a NID alone
// is enough to verify any frame its holder signed.
const NIDPrefix = "comb:key:"

// MaxNameLength bounds operator-assigned node names after normalization.
const MaxNameLength = 64

// Identity is a combnet node identity with signing and key agreement keys.
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair, advertised for future session use
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached values
	nid    string
	nodeID [32]byte
}

// GenerateIdentity creates a new identity with fresh key pairs.
func GenerateIdentity() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.nid = id.computeNID()
	id.nodeID = NodeIDFromPublicKey(sigPub)

	return id, nil
}

// NID returns the printable node identity string.
func (id *Identity) NID() string {
	if id.nid == "" {
		id.nid = id.computeNID()
	}
	return id.nid
}

// NodeID returns the 256-bit overlay identifier derived from the signing key.
func (id *Identity) NodeID() [32]byte {
	var zero [32]byte
	if id.nodeID == zero {
		id.nodeID = NodeIDFromPublicKey(id.SigningPublicKey)
	}
	return id.nodeID
}

func (id *Identity) computeNID() string {
	return NIDPrefix + hex.EncodeToString(id.SigningPublicKey)
}

// NodeIDFromPublicKey derives the overlay node id as BLAKE3-256 of the
// Ed25519 public key bytes.
func NodeIDFromPublicKey(pub ed25519.PublicKey) [32]byte {
	return blake3.Sum256(pub)
}

// ParseNID extracts the Ed25519 public key from a printable NID.
func ParseNID(nid string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(nid, NIDPrefix) {
		return nil, fmt.Errorf("invalid NID %q: missing %q prefix", nid, NIDPrefix)
	}
	raw, err := hex.DecodeString(nid[len(NIDPrefix):])
	if err != nil {
		return nil, fmt.Errorf("invalid NID %q: %w", nid, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid NID %q: key is %d bytes, want %d", nid, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// NodeIDFromNID derives the overlay node id for a printable NID.
func NodeIDFromNID(nid string) ([32]byte, error) {
	pub, err := ParseNID(nid)
	if err != nil {
		return [32]byte{}, err
	}
	return NodeIDFromPublicKey(pub), nil
}

// NormalizeName canonicalizes an operator-assigned node name: trimmed,
// NFKC-normalized, lowercased. Empty names are allowed; oversized or
// non-UTF-8 names are not.
func NormalizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("node name is not valid UTF-8")
	}
	normalized := strings.ToLower(norm.NFKC.String(trimmed))
	if len(normalized) > MaxNameLength {
		return "", fmt.Errorf("node name exceeds %d bytes after normalization", MaxNameLength)
	}
	return normalized, nil
}

// SaveToFile writes the identity as JSON with owner-only permissions.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile reads an identity previously written by SaveToFile.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity file: %w", err)
	}
	if len(id.SigningPublicKey) != ed25519.PublicKeySize || len(id.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file %s holds malformed signing keys", filename)
	}

	id.nid = id.computeNID()
	id.nodeID = NodeIDFromPublicKey(id.SigningPublicKey)

	return &id, nil
}
