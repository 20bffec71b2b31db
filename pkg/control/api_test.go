package control

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/content"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/overlay"
)

// fakeNode implements Node in memory.
type fakeNode struct {
	mu        sync.Mutex
	info      overlay.Info
	peers     []kad.Peer
	radius    kad.Distance
	stored    map[kad.ID][]byte
	results   map[kad.ID]*overlay.ContentResult
	seeds     []overlay.Seed
	storeErr  error
	lookupErr error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		stored:  make(map[kad.ID][]byte),
		results: make(map[kad.ID]*overlay.ContentResult),
		radius:  kad.MaxDistance(),
	}
}

func (f *fakeNode) NodeInfo() overlay.Info { return f.info }
func (f *fakeNode) Snapshot() []kad.Peer   { return f.peers }
func (f *fakeNode) Radius() kad.Distance   { return f.radius }

func (f *fakeNode) StoreLocal(id kad.ID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored[id] = payload
	return nil
}

func (f *fakeNode) LookupContent(ctx context.Context, id kad.ID) (*overlay.ContentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if res, ok := f.results[id]; ok {
		return res, nil
	}
	return nil, overlay.ErrContentNotFound
}

func (f *fakeNode) AddSeed(seed overlay.Seed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = append(f.seeds, seed)
}

// startServer runs a control server for one test and returns a
// connected client plus the listen address.
func startServer(t *testing.T, node Node) (*Client, string) {
	t.Helper()
	srv, err := NewServer(Config{Node: node})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, l)

	client, err := Dial(l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Failed to dial control server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, l.Addr().String()
}

func TestNewServer_RequiresNode(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("Expected error for missing node")
	}
}

func TestServer_Info(t *testing.T) {
	node := newFakeNode()
	node.info = overlay.Info{
		NID:   "comb:key:0abc",
		Name:  "alpha",
		State: "running",
		Peers: 3,
	}
	client, _ := startServer(t, node)

	var info overlay.Info
	if err := client.Call("info", nil, &info); err != nil {
		t.Fatalf("Failed to call info: %v", err)
	}
	if info.NID != node.info.NID {
		t.Errorf("Expected NID %q, got %q", node.info.NID, info.NID)
	}
	if info.Name != "alpha" || info.State != "running" || info.Peers != 3 {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestServer_Peers(t *testing.T) {
	node := newFakeNode()
	var idA, idB kad.ID
	idA[0], idB[0] = 0xAA, 0xBB
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	node.peers = []kad.Peer{
		{ID: idA, NID: "comb:key:aa", Addr: "10.0.0.1:27520", Name: "alpha", Seq: 7, LastSeen: seen, Liveness: kad.LivenessResponsive},
		{ID: idB, NID: "comb:key:bb", Addr: "10.0.0.2:27520", Liveness: kad.LivenessUnknown},
	}
	client, _ := startServer(t, node)

	var list PeerList
	if err := client.Call("peers", nil, &list); err != nil {
		t.Fatalf("Failed to call peers: %v", err)
	}
	if list.Count != 2 || len(list.Peers) != 2 {
		t.Fatalf("Expected 2 peers, got count=%d len=%d", list.Count, len(list.Peers))
	}
	first := list.Peers[0]
	if first.ID != idA.Hex() {
		t.Errorf("Expected id %s, got %s", idA.Hex(), first.ID)
	}
	if first.NID != "comb:key:aa" || first.Addr != "10.0.0.1:27520" || first.Seq != 7 {
		t.Errorf("Unexpected peer entry: %+v", first)
	}
	if first.Liveness != "responsive" {
		t.Errorf("Expected responsive liveness, got %q", first.Liveness)
	}
	if first.LastSeen != "2025-06-01T12:00:00Z" {
		t.Errorf("Unexpected last_seen: %q", first.LastSeen)
	}
	if list.Peers[1].Liveness != "unknown" {
		t.Errorf("Expected unknown liveness, got %q", list.Peers[1].Liveness)
	}
}

func TestServer_Radius(t *testing.T) {
	node := newFakeNode()
	var r kad.Distance
	r.SetUint64(42)
	node.radius = r
	client, _ := startServer(t, node)

	var out struct {
		Radius string `json:"radius"`
	}
	if err := client.Call("radius", nil, &out); err != nil {
		t.Fatalf("Failed to call radius: %v", err)
	}
	if out.Radius != "0x2a" {
		t.Errorf("Expected radius 0x2a, got %q", out.Radius)
	}
}

func TestServer_StoreDerivesContentID(t *testing.T) {
	node := newFakeNode()
	client, _ := startServer(t, node)

	payload := []byte("stored through the control api")
	var res StoreResult
	if err := client.Call("store", map[string][]byte{"payload": payload}, &res); err != nil {
		t.Fatalf("Failed to call store: %v", err)
	}

	want := content.DeriveID(payload)
	if res.ID != want.Hex() {
		t.Errorf("Expected id %s, got %s", want.Hex(), res.ID)
	}
	if res.Size != len(payload) {
		t.Errorf("Expected size %d, got %d", len(payload), res.Size)
	}
	node.mu.Lock()
	got, ok := node.stored[want]
	node.mu.Unlock()
	if !ok || !bytes.Equal(got, payload) {
		t.Fatal("Payload not stored under the derived id")
	}
}

func TestServer_StoreRequiresPayload(t *testing.T) {
	client, _ := startServer(t, newFakeNode())

	if err := client.Call("store", nil, nil); err == nil {
		t.Fatal("Expected error for missing params")
	}
	if err := client.Call("store", map[string]string{"other": "x"}, nil); err == nil {
		t.Fatal("Expected error for missing payload")
	}
}

func TestServer_StoreSurfacesErrors(t *testing.T) {
	node := newFakeNode()
	node.storeErr = errors.New("capacity exhausted")
	client, _ := startServer(t, node)

	err := client.Call("store", map[string][]byte{"payload": []byte("x")}, nil)
	if err == nil || !strings.Contains(err.Error(), "capacity exhausted") {
		t.Fatalf("Expected store error, got %v", err)
	}
}

func TestServer_Lookup(t *testing.T) {
	node := newFakeNode()
	payload := []byte("looked-up bytes")
	id := content.DeriveID(payload)
	var fromID, hopID kad.ID
	fromID[0], hopID[0] = 0xCC, 0xDD
	node.results[id] = &overlay.ContentResult{
		Payload: payload,
		From:    kad.Peer{ID: fromID, NID: "comb:key:cc"},
		Path:    []kad.Peer{{ID: hopID}, {ID: fromID}},
	}
	client, _ := startServer(t, node)

	var res LookupResult
	if err := client.Call("lookup", map[string]string{"id": id.Hex()}, &res); err != nil {
		t.Fatalf("Failed to call lookup: %v", err)
	}
	if !bytes.Equal(res.Payload, payload) {
		t.Error("Payload mismatch")
	}
	if res.Size != len(payload) {
		t.Errorf("Expected size %d, got %d", len(payload), res.Size)
	}
	if res.From != "comb:key:cc" {
		t.Errorf("Expected from comb:key:cc, got %q", res.From)
	}
	if len(res.Path) != 2 || res.Path[0] != hopID.Hex() {
		t.Errorf("Unexpected path: %v", res.Path)
	}
}

func TestServer_LookupNotFound(t *testing.T) {
	client, _ := startServer(t, newFakeNode())

	var missing kad.ID
	missing[31] = 1
	err := client.Call("lookup", map[string]string{"id": missing.Hex()}, nil)
	if err == nil || !strings.Contains(err.Error(), "content not found") {
		t.Fatalf("Expected content not found, got %v", err)
	}
}

func TestServer_LookupRejectsBadID(t *testing.T) {
	client, _ := startServer(t, newFakeNode())

	if err := client.Call("lookup", map[string]string{"id": "not-hex"}, nil); err == nil {
		t.Fatal("Expected error for malformed id")
	}
}

func TestServer_SeedsAdd(t *testing.T) {
	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	node := newFakeNode()
	client, _ := startServer(t, node)

	seed := ident.NID() + "@192.0.2.10:27520"
	var res SeedResult
	if err := client.Call("seeds.add", map[string]string{"seed": seed}, &res); err != nil {
		t.Fatalf("Failed to call seeds.add: %v", err)
	}
	if res.NID != ident.NID() || res.Addr != "192.0.2.10:27520" {
		t.Errorf("Unexpected seed result: %+v", res)
	}
	node.mu.Lock()
	count := len(node.seeds)
	node.mu.Unlock()
	if count != 1 {
		t.Fatalf("Expected 1 seed recorded, got %d", count)
	}

	if err := client.Call("seeds.add", map[string]string{"seed": "not-a-seed"}, nil); err == nil {
		t.Fatal("Expected error for malformed seed")
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	client, _ := startServer(t, newFakeNode())

	err := client.Call("bogus", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown method") {
		t.Fatalf("Expected unknown method error, got %v", err)
	}
}

func TestServer_MultipleCallsOneConnection(t *testing.T) {
	node := newFakeNode()
	node.info.NID = "comb:key:ee"
	client, _ := startServer(t, node)

	for i := 0; i < 3; i++ {
		var info overlay.Info
		if err := client.Call("info", nil, &info); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
		if info.NID != "comb:key:ee" {
			t.Fatalf("Call %d: unexpected NID %q", i, info.NID)
		}
	}
}

func TestServer_GarbageClosesConnectionOnly(t *testing.T) {
	client, addr := startServer(t, newFakeNode())

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("Expected server to close the connection")
	}

	// The listener must survive one bad client.
	var info overlay.Info
	if err := client.Call("info", nil, &info); err != nil {
		t.Fatalf("Healthy connection broken by bad client: %v", err)
	}
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(Config{Node: newFakeNode()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, l) }()

	// An idle connection must not block shutdown.
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
