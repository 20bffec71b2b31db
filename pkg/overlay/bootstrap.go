package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
)

// ErrNoSeeds reports that bootstrap could not reach any configured seed.
var ErrNoSeeds = errors.New("no bootstrap seed responded")

// Seed identifies a bootstrap peer by its printable identity and its
// overlay UDP address.
type Seed struct {
	NID  string
	Addr string
}

// ParseSeed parses the nid@host:port seed form used by configuration
// and the control API. A trailing /host:port transfer address is
// accepted for compatibility and ignored: transfer endpoints are always
// learned from CONTENT and ACCEPT answers, never from configuration.
func ParseSeed(v string) (Seed, error) {
	nid, addr, ok := strings.Cut(strings.TrimSpace(v), "@")
	if !ok || nid == "" || addr == "" {
		return Seed{}, fmt.Errorf("seed %q: want nid@host:port", v)
	}
	if _, err := identity.ParseNID(nid); err != nil {
		return Seed{}, fmt.Errorf("seed %q: %w", v, err)
	}
	if addr, ok = cutXferAddr(addr); !ok {
		return Seed{}, fmt.Errorf("seed %q: malformed transfer address", v)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Seed{}, fmt.Errorf("seed %q: %w", v, err)
	}
	return Seed{NID: nid, Addr: addr}, nil
}

func cutXferAddr(addr string) (string, bool) {
	slash := strings.LastIndex(addr, "/")
	if slash < 0 {
		return addr, true
	}
	if _, _, err := net.SplitHostPort(addr[slash+1:]); err != nil {
		return "", false
	}
	return addr[:slash], true
}

// ParseSeeds parses a list of nid@host:port seeds.
func ParseSeeds(vs []string) ([]Seed, error) {
	seeds := make([]Seed, 0, len(vs))
	for _, v := range vs {
		seed, err := ParseSeed(v)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// AddSeed registers a bootstrap peer. Duplicates by NID are ignored.
func (s *Service) AddSeed(seed Seed) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	for _, existing := range s.seeds {
		if existing.NID == seed.NID {
			return
		}
	}
	s.seeds = append(s.seeds, seed)
}

// Seeds returns the configured bootstrap peers.
func (s *Service) Seeds() []Seed {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	return append([]Seed(nil), s.seeds...)
}

func (s *Service) hasSeeds() bool {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	return len(s.seeds) > 0
}

// Bootstrap joins the overlay: it pings every configured seed and then
// runs a lookup toward the local id so the nearest buckets fill with
// real neighbors. Responsive seeds enter the table through the normal
// response path. Failing the self-lookup is not fatal once at least one
// seed answered.
func (s *Service) Bootstrap(ctx context.Context) error {
	seeds := s.Seeds()
	if len(seeds) == 0 {
		return errors.New("no seeds configured")
	}

	joined := 0
	for _, seed := range seeds {
		nodeID, err := identity.NodeIDFromNID(seed.NID)
		if err != nil {
			s.logf("overlay: seed %s: %v", seed.NID, err)
			continue
		}
		p := kad.Peer{ID: kad.ID(nodeID), NID: seed.NID, Addr: seed.Addr}

		pctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		_, err = s.Ping(pctx, p)
		cancel()
		if err != nil {
			s.logf("overlay: seed %s unreachable: %v", seed.Addr, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return ErrNoSeeds
	}

	lctx, cancel := context.WithTimeout(ctx, refreshLookupTimeout)
	defer cancel()
	if _, err := s.LookupPeers(lctx, s.self); err != nil {
		s.logf("overlay: bootstrap self-lookup: %v", err)
	}
	s.logf("overlay: bootstrapped via %d of %d seed(s), table has %d peer(s)",
		joined, len(seeds), s.table.Len())
	return nil
}
