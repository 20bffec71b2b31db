package overlay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
)

func TestParseSeed(t *testing.T) {
	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	nid := ident.NID()

	t.Run("valid", func(t *testing.T) {
		seed, err := ParseSeed(nid + "@198.51.100.7:27520")
		if err != nil {
			t.Fatalf("Failed to parse seed: %v", err)
		}
		if seed.NID != nid {
			t.Errorf("seed.NID = %q, want %q", seed.NID, nid)
		}
		if seed.Addr != "198.51.100.7:27520" {
			t.Errorf("seed.Addr = %q, want %q", seed.Addr, "198.51.100.7:27520")
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		if _, err := ParseSeed("  " + nid + "@10.0.0.1:27520\n"); err != nil {
			t.Fatalf("Failed to parse padded seed: %v", err)
		}
	})

	t.Run("transfer address suffix", func(t *testing.T) {
		seed, err := ParseSeed(nid + "@10.0.0.1:27520/10.0.0.1:27521")
		if err != nil {
			t.Fatalf("Failed to parse seed with transfer address: %v", err)
		}
		if seed.Addr != "10.0.0.1:27520" {
			t.Errorf("seed.Addr = %q, want %q", seed.Addr, "10.0.0.1:27520")
		}
	})

	invalid := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no separator", nid},
		{"no address", nid + "@"},
		{"no nid", "@10.0.0.1:27520"},
		{"bad nid", "comb:key:nothex@10.0.0.1:27520"},
		{"missing port", nid + "@10.0.0.1"},
		{"bad transfer suffix", nid + "@10.0.0.1:27520/nonsense"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSeed(tc.in); err == nil {
				t.Fatalf("Expected error parsing %q", tc.in)
			}
		})
	}
}

func TestParseSeeds(t *testing.T) {
	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	good := ident.NID() + "@10.0.0.1:27520"
	seeds, err := ParseSeeds([]string{good})
	if err != nil {
		t.Fatalf("Failed to parse seeds: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("got %d seeds, want 1", len(seeds))
	}

	if _, err := ParseSeeds([]string{good, "broken"}); err == nil {
		t.Fatal("Expected error when one seed is malformed")
	}
}

func TestService_AddSeedDeduplicates(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	seed := Seed{NID: b.svc.NID(), Addr: b.addr}
	a.svc.AddSeed(seed)
	a.svc.AddSeed(seed)
	a.svc.AddSeed(Seed{NID: b.svc.NID(), Addr: "elsewhere"})

	if got := len(a.svc.Seeds()); got != 1 {
		t.Fatalf("got %d seeds, want 1", got)
	}
	if !a.svc.hasSeeds() {
		t.Fatal("hasSeeds should report true")
	}
}

func TestService_BootstrapJoinsViaSeed(t *testing.T) {
	m := newMesh()
	b := newTestNode(t, m, "node-b")
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.Seeds = []Seed{{NID: b.svc.NID(), Addr: b.addr}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}

	var found bool
	for _, p := range a.svc.Snapshot() {
		if p.ID == b.svc.Self() {
			found = true
			if p.Liveness != kad.LivenessResponsive {
				t.Errorf("seed liveness = %v, want responsive", p.Liveness)
			}
		}
	}
	if !found {
		t.Fatal("bootstrap did not admit the seed into the table")
	}
}

func TestService_BootstrapAllSeedsUnreachable(t *testing.T) {
	m := newMesh()
	b := newTestNode(t, m, "node-b")
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.Seeds = []Seed{{NID: b.svc.NID(), Addr: "unrouted"}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.svc.Bootstrap(ctx); !errors.Is(err, ErrNoSeeds) {
		t.Fatalf("err = %v, want ErrNoSeeds", err)
	}
}

func TestService_BootstrapWithoutSeeds(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.svc.Bootstrap(ctx); err == nil {
		t.Fatal("Expected error bootstrapping without seeds")
	}
}

func TestService_StartBootstrapsFromSeeds(t *testing.T) {
	m := newMesh()
	b := newTestNode(t, m, "node-b")
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.Seeds = []Seed{{NID: b.svc.NID(), Addr: b.addr}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := a.svc.Stop(stopCtx); err != nil {
			t.Errorf("Failed to stop service: %v", err)
		}
	}()

	waitFor(t, 5*time.Second, func() bool {
		for _, p := range a.svc.Snapshot() {
			if p.ID == b.svc.Self() {
				return true
			}
		}
		return false
	}, "startup bootstrap to join via the seed")
}
