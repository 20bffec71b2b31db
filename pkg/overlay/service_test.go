package overlay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/internal/store"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/kv"
	"github.com/WebFirstLanguage/combnet/pkg/wire"
)

// mesh is an in-memory datagram fabric for tests: each node's messenger
// routes a request straight into the target service's inbound handler.
// A dropped request (handler error, unknown address, or a node marked
// down) surfaces to the caller as a transport error, the same shape a
// courier timeout has in production.
type mesh struct {
	mu    sync.Mutex
	nodes map[string]*Service
	down  map[string]bool
}

func newMesh() *mesh {
	return &mesh{
		nodes: make(map[string]*Service),
		down:  make(map[string]bool),
	}
}

func (m *mesh) add(addr string, s *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[addr] = s
}

func (m *mesh) setDown(addr string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[addr] = down
}

func (m *mesh) messenger(from string) Messenger {
	return &meshMessenger{m: m, from: from}
}

type meshMessenger struct {
	m    *mesh
	from string
}

func (mm *meshMessenger) Request(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mm.m.mu.Lock()
	target := mm.m.nodes[addr]
	down := mm.m.down[addr]
	mm.m.mu.Unlock()

	if target == nil || down {
		return nil, fmt.Errorf("no route to %s", addr)
	}
	resp, err := target.HandleRequest(mm.from, payload)
	if err != nil {
		return nil, fmt.Errorf("request to %s dropped: %w", addr, err)
	}
	return resp, nil
}

type testNode struct {
	svc   *Service
	ident *identity.Identity
	addr  string
	store *store.Store
}

// peer returns the node's record as another node would learn it.
func (n *testNode) peer() kad.Peer {
	return kad.Peer{ID: n.svc.Self(), NID: n.svc.NID(), Addr: n.addr}
}

func newTestNode(t *testing.T, m *mesh, addr string) *testNode {
	t.Helper()
	return newTestNodeWithConfig(t, m, addr, nil)
}

func newTestNodeWithConfig(t *testing.T, m *mesh, addr string, mutate func(*Config)) *testNode {
	t.Helper()

	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	st, err := store.New(kad.ID(ident.NodeID()), kv.NewMemory(), 1<<20)
	if err != nil {
		t.Fatalf("Failed to create content store: %v", err)
	}

	cfg := Config{
		Identity:       ident,
		AdvertiseAddr:  addr,
		Messenger:      m.messenger(addr),
		Store:          st,
		RequestTimeout: 250 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create overlay service: %v", err)
	}
	m.add(addr, svc)
	return &testNode{svc: svc, ident: ident, addr: addr, store: st}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	m := newMesh()
	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	st, err := store.New(kad.ID(ident.NodeID()), kv.NewMemory(), 0)
	if err != nil {
		t.Fatalf("Failed to create content store: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing identity", Config{Messenger: m.messenger("a"), Store: st}},
		{"missing messenger", Config{Identity: ident, Store: st}},
		{"missing store", Config{Identity: ident, Messenger: m.messenger("a")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("Expected error from New")
			}
		})
	}
}

func TestService_StartStop(t *testing.T) {
	m := newMesh()
	n := newTestNode(t, m, "node-a")

	if got := n.svc.State(); got != StateStopped {
		t.Fatalf("State = %v, want %v", got, StateStopped)
	}

	ctx := context.Background()
	if err := n.svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}
	if got := n.svc.State(); got != StateRunning {
		t.Fatalf("State = %v, want %v", got, StateRunning)
	}
	if err := n.svc.Start(ctx); err == nil {
		t.Fatal("Expected error starting a running service")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.svc.Stop(stopCtx); err != nil {
		t.Fatalf("Failed to stop service: %v", err)
	}
	if got := n.svc.State(); got != StateStopped {
		t.Fatalf("State = %v, want %v", got, StateStopped)
	}
	if err := n.svc.Stop(stopCtx); err == nil {
		t.Fatal("Expected error stopping a stopped service")
	}
}

func TestService_PingPopulatesBothTables(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pong, err := b.svc.Ping(ctx, a.peer())
	if err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	if pong.RecordSeq != 1 {
		t.Errorf("pong.RecordSeq = %d, want 1", pong.RecordSeq)
	}
	wantRadius := kad.MaxDistance()
	gotRadius, err := wire.RadiusFromBytes(pong.Radius)
	if err != nil {
		t.Fatalf("Failed to decode pong radius: %v", err)
	}
	if gotRadius.Cmp(&wantRadius) != 0 {
		t.Errorf("pong radius = %s, want max", gotRadius.Hex())
	}

	// The responder learned the caller from the request alone.
	peers := a.svc.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("responder table has %d peers, want 1", len(peers))
	}
	if peers[0].ID != b.svc.Self() {
		t.Errorf("responder learned %s, want %s", peers[0].ID, b.svc.Self())
	}
	if peers[0].Addr != b.addr {
		t.Errorf("responder learned addr %q, want %q", peers[0].Addr, b.addr)
	}
	if peers[0].NID != b.svc.NID() {
		t.Errorf("responder learned nid %q, want %q", peers[0].NID, b.svc.NID())
	}

	// The caller marked the responder responsive.
	peers = b.svc.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("caller table has %d peers, want 1", len(peers))
	}
	if peers[0].Liveness != kad.LivenessResponsive {
		t.Errorf("caller liveness = %v, want responsive", peers[0].Liveness)
	}

	// The advertised radius was cached for gossip target selection.
	cached, ok := b.svc.cachedRadius(a.svc.Self())
	if !ok {
		t.Fatal("caller did not cache the responder's radius")
	}
	if cached.Cmp(&wantRadius) != 0 {
		t.Errorf("cached radius = %s, want max", cached.Hex())
	}
}

func TestService_PingUnreachablePeer(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ghost := kad.Peer{ID: kad.ID{0xAA}, NID: "comb:key:unverified", Addr: "nowhere"}
	if _, err := a.svc.Ping(ctx, ghost); err == nil {
		t.Fatal("Expected error pinging an unreachable peer")
	}
}

func TestService_FindNodesReturnsKnownPeers(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")
	c := newTestNode(t, m, "node-c")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// a learns b through a direct exchange.
	if _, err := a.svc.Ping(ctx, b.peer()); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}

	// c asks a for peers at b's exact distance from a.
	d := uint16(kad.LogDistance(a.svc.Self(), b.svc.Self()))
	peers, err := c.svc.findNodes(ctx, a.peer(), []uint16{d})
	if err != nil {
		t.Fatalf("Failed to find nodes: %v", err)
	}

	found := false
	for _, p := range peers {
		if p.ID == b.svc.Self() {
			found = true
			if p.Addr != b.addr {
				t.Errorf("returned addr %q, want %q", p.Addr, b.addr)
			}
		}
	}
	if !found {
		t.Fatalf("peer %s not in answer for distance %d", b.svc.Self(), d)
	}

	// The records were merged into c's table as hearsay.
	waitFor(t, time.Second, func() bool {
		for _, p := range c.svc.Snapshot() {
			if p.ID == b.svc.Self() {
				return true
			}
		}
		return false
	}, "hearsay merge into the caller's table")
}

func TestService_FindNodesDistanceZero(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	peers, err := b.svc.findNodes(ctx, a.peer(), []uint16{0})
	if err != nil {
		t.Fatalf("Failed to find nodes: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers for distance 0, want 1", len(peers))
	}
	if peers[0].ID != a.svc.Self() {
		t.Errorf("distance 0 returned %s, want the responder's own record", peers[0].ID)
	}
	if peers[0].NID != a.svc.NID() {
		t.Errorf("self record nid = %q, want %q", peers[0].NID, a.svc.NID())
	}
}

func TestService_HandleRequestDropsGarbage(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")

	if _, err := a.svc.HandleRequest("node-x", []byte("definitely not cbor")); err == nil {
		t.Fatal("Expected garbage to be dropped")
	}
	if len(a.svc.Snapshot()) != 0 {
		t.Fatal("garbage request must not touch the routing table")
	}
}

func TestService_HandleRequestDropsBadSignature(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	frame, err := wire.NewPingFrame(b.svc.NID(), 7, 1, kad.MaxDistance())
	if err != nil {
		t.Fatalf("Failed to build frame: %v", err)
	}
	if err := frame.Sign(b.ident.SigningPrivateKey); err != nil {
		t.Fatalf("Failed to sign frame: %v", err)
	}
	frame.Sig[0] ^= 0xFF
	raw, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}

	if _, err := a.svc.HandleRequest(b.addr, raw); err == nil {
		t.Fatal("Expected tampered signature to be dropped")
	}
	if len(a.svc.Snapshot()) != 0 {
		t.Fatal("tampered request must not touch the routing table")
	}
}

func TestService_HandleRequestDropsResponseKinds(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	frame, err := wire.NewPongFrame(b.svc.NID(), 7, 1, kad.MaxDistance())
	if err != nil {
		t.Fatalf("Failed to build frame: %v", err)
	}
	if err := frame.Sign(b.ident.SigningPrivateKey); err != nil {
		t.Fatalf("Failed to sign frame: %v", err)
	}
	raw, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}

	if _, err := a.svc.HandleRequest(b.addr, raw); err == nil {
		t.Fatal("Expected an unsolicited response kind to be dropped")
	}
}

func TestService_HandleRequestRateLimitsSender(t *testing.T) {
	m := newMesh()
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.RateCapacity = 3
		cfg.RateRefill = time.Hour
	})
	b := newTestNode(t, m, "node-b")

	send := func(seq uint64) error {
		frame, err := wire.NewPingFrame(b.svc.NID(), seq, 1, kad.MaxDistance())
		if err != nil {
			t.Fatalf("Failed to build frame: %v", err)
		}
		if err := frame.Sign(b.ident.SigningPrivateKey); err != nil {
			t.Fatalf("Failed to sign frame: %v", err)
		}
		raw, err := frame.Marshal()
		if err != nil {
			t.Fatalf("Failed to marshal frame: %v", err)
		}
		_, err = a.svc.HandleRequest(b.addr, raw)
		return err
	}

	for i := uint64(1); i <= 3; i++ {
		if err := send(i); err != nil {
			t.Fatalf("Request %d should pass the limiter: %v", i, err)
		}
	}
	if err := send(4); err == nil {
		t.Fatal("Expected the fourth request to be rate limited")
	}
}

func TestService_StaleResponseRejected(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	// A mesh that rewrites every response's sequence number, simulating
	// a delayed answer to an older request.
	stale := &seqRewritingMessenger{inner: m.messenger(b.addr)}
	st, err := store.New(kad.ID(b.ident.NodeID()), kv.NewMemory(), 1<<20)
	if err != nil {
		t.Fatalf("Failed to create content store: %v", err)
	}
	svc, err := New(Config{
		Identity:       b.ident,
		AdvertiseAddr:  "node-b2",
		Messenger:      stale,
		Store:          st,
		RequestTimeout: 250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create overlay service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := svc.Ping(ctx, a.peer()); err == nil {
		t.Fatal("Expected a sequence-mismatched response to be rejected")
	}
}

// seqRewritingMessenger corrupts the echoed sequence number of every
// response it relays.
type seqRewritingMessenger struct {
	inner Messenger
}

func (s *seqRewritingMessenger) Request(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	resp, err := s.inner.Request(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	frame, err := wire.Decode(resp)
	if err != nil {
		return nil, err
	}
	frame.Seq += 1000
	return frame.Marshal()
}

func TestService_ResponderIdentityChecked(t *testing.T) {
	m := newMesh()
	a := newTestNode(t, m, "node-a")
	b := newTestNode(t, m, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The peer record claims b's id but routes to a. The response is
	// validly signed by a, which is not who was queried.
	imposter := kad.Peer{ID: b.svc.Self(), NID: b.svc.NID(), Addr: a.addr}
	if _, err := b.svc.Ping(ctx, imposter); err == nil {
		t.Fatal("Expected a response signed by the wrong node to be rejected")
	}
}

func TestService_EvictionCandidateReplacedWhenDead(t *testing.T) {
	m := newMesh()
	// BucketSize 2 with MaxBucketDepth 1 keeps the whole id space in
	// one non-splitting bucket, so the third peer triggers eviction.
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.TableConfig = &kad.TableConfig{BucketSize: 2, MaxReplacements: 2, MaxBucketDepth: 1}
	})
	b := newTestNode(t, m, "node-b")
	c := newTestNode(t, m, "node-c")
	d := newTestNode(t, m, "node-d")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, n := range []*testNode{b, c} {
		if _, err := n.svc.Ping(ctx, a.peer()); err != nil {
			t.Fatalf("Failed to ping: %v", err)
		}
	}
	if got := len(a.svc.Snapshot()); got != 2 {
		t.Fatalf("table has %d peers, want 2", got)
	}

	// The oldest incumbent stops answering, then a new peer arrives.
	m.setDown(b.addr, true)
	if _, err := d.svc.Ping(ctx, a.peer()); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}

	// The liveness check runs asynchronously: b fails its ping, d is
	// promoted from the replacement cache.
	waitFor(t, 3*time.Second, func() bool {
		var hasB, hasD bool
		for _, p := range a.svc.Snapshot() {
			switch p.ID {
			case b.svc.Self():
				hasB = true
			case d.svc.Self():
				hasD = true
			}
		}
		return !hasB && hasD
	}, "dead incumbent to be replaced")
}

func TestService_EvictionCandidateKeptWhenAlive(t *testing.T) {
	m := newMesh()
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.TableConfig = &kad.TableConfig{BucketSize: 2, MaxReplacements: 2, MaxBucketDepth: 1}
	})
	b := newTestNode(t, m, "node-b")
	c := newTestNode(t, m, "node-c")
	d := newTestNode(t, m, "node-d")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, n := range []*testNode{b, c} {
		if _, err := n.svc.Ping(ctx, a.peer()); err != nil {
			t.Fatalf("Failed to ping: %v", err)
		}
	}

	// The bucket is full but both incumbents answer pings, so the new
	// peer stays parked in the replacement cache.
	if _, err := d.svc.Ping(ctx, a.peer()); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}

	// Give the liveness check time to complete, then confirm nothing
	// was evicted.
	time.Sleep(300 * time.Millisecond)
	var hasB, hasC, hasD bool
	for _, p := range a.svc.Snapshot() {
		switch p.ID {
		case b.svc.Self():
			hasB = true
		case c.svc.Self():
			hasC = true
		case d.svc.Self():
			hasD = true
		}
	}
	if !hasB || !hasC {
		t.Fatal("responsive incumbents must keep their bucket slots")
	}
	if hasD {
		t.Fatal("new peer must wait in the replacement cache while incumbents answer")
	}
}

func TestService_NodeInfo(t *testing.T) {
	m := newMesh()
	a := newTestNodeWithConfig(t, m, "node-a", func(cfg *Config) {
		cfg.Name = "observatory"
	})
	b := newTestNode(t, m, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.svc.Ping(ctx, a.peer()); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}

	info := a.svc.NodeInfo()
	if info.NID != a.svc.NID() {
		t.Errorf("info.NID = %q, want %q", info.NID, a.svc.NID())
	}
	if info.Name != "observatory" {
		t.Errorf("info.Name = %q, want %q", info.Name, "observatory")
	}
	if info.Peers != 1 {
		t.Errorf("info.Peers = %d, want 1", info.Peers)
	}
	if info.State != "stopped" {
		t.Errorf("info.State = %q, want %q", info.State, "stopped")
	}
	if info.StoreCapacity != 1<<20 {
		t.Errorf("info.StoreCapacity = %d, want %d", info.StoreCapacity, 1<<20)
	}
}
