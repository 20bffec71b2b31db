// Package overlay implements the combnet overlay service: the coordinator
// that answers inbound PING/FINDNODE/FINDCONTENT/OFFER traffic, drives
// outbound lookups and gossip, and reconciles everything it learns into
// the routing table and the content store.
package overlay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/internal/store"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/transfer"
)

// Messenger is the request/response transport capability the overlay
// consumes: send opaque bytes to a peer address, await the opaque
// response or a timeout. The UDP courier satisfies it in production; the
// tests use an in-memory mesh.
type Messenger interface {
	Request(ctx context.Context, addr string, payload []byte) ([]byte, error)
}

// Memory ceiling for the peer-radius cache.
const radiusCacheBytes = 32 << 20

// State represents the current state of the service
type State int

const (
	// StateStopped indicates the service is not running
	StateStopped State = iota
	// StateStarting indicates the service is in the process of starting
	StateStarting
	// StateRunning indicates the service is running normally
	StateRunning
	// StateStopping indicates the service is in the process of stopping
	StateStopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config assembles an overlay service from its collaborators.
type Config struct {
	// Identity signs every outbound frame. Required.
	Identity *identity.Identity

	// Name is the operator-assigned node name, advertised in the
	// node's own peer record. Normalized on construction.
	Name string

	// AdvertiseAddr is the overlay UDP address written into the node's
	// own peer record.
	AdvertiseAddr string

	// Messenger carries signed request/response datagrams. Required.
	Messenger Messenger

	// Store holds content records. Required.
	Store *store.Store

	// Transfers serves bulk-transfer sessions for oversized payloads.
	// Without it the node answers oversized FINDCONTENT with closer
	// peers and declines all offers.
	Transfers *transfer.Service

	// Table overrides the routing table; one is built from TableConfig
	// when nil.
	Table       *kad.Table
	TableConfig *kad.TableConfig

	// Lookup bounds iterative lookups. Zero fields take the network
	// defaults.
	Lookup kad.LookupConfig

	// Seeds are pinged at startup to join the network.
	Seeds []Seed

	// RequestTimeout bounds a single outbound RPC.
	RequestTimeout time.Duration

	// InlineLimit is the largest payload answered inline in a CONTENT
	// datagram; anything bigger goes through a transfer session.
	InlineLimit int

	// Maintenance cadence. Zero values take the network defaults.
	MaintenanceInterval time.Duration
	RevalidateInterval  time.Duration
	BucketStaleAfter    time.Duration

	// Per-sender rate limit on the inbound handler.
	RateCapacity int
	RateRefill   time.Duration

	// Logf receives diagnostic output. Nil disables logging.
	Logf func(format string, args ...interface{})
}

// Service coordinates one node's participation in the overlay.
type Service struct {
	mu    sync.RWMutex
	state State

	id            *identity.Identity
	nid           string
	self          kad.ID
	name          string
	advertiseAddr string

	table     *kad.Table
	store     *store.Store
	messenger Messenger
	transfers *transfer.Service

	// radii caches the data radius each peer advertised in its last
	// PING or PONG, keyed by node id. Gossip target selection reads it.
	radii   *fastcache.Cache
	limiter *rateLimiter

	lookupCfg      kad.LookupConfig
	requestTimeout time.Duration
	inlineLimit    int

	maintenanceInterval time.Duration
	revalidateInterval  time.Duration
	bucketStaleAfter    time.Duration

	seedMu sync.Mutex
	seeds  []Seed

	seq       atomic.Uint64
	recordSeq atomic.Uint64

	// checks tracks in-flight liveness pings of eviction candidates so
	// a burst of inserts into one full bucket pings its oldest entry
	// once, not once per insert.
	checksMu sync.Mutex
	checks   map[kad.ID]struct{}

	offers chan offerJob

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup
	logf    func(string, ...interface{})
}

// New builds a stopped service. Call Start to begin serving.
func New(cfg Config) (*Service, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("overlay: identity is required")
	}
	if cfg.Messenger == nil {
		return nil, fmt.Errorf("overlay: messenger is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("overlay: content store is required")
	}

	name, err := identity.NormalizeName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("overlay: invalid node name: %w", err)
	}

	self := kad.ID(cfg.Identity.NodeID())
	table := cfg.Table
	if table == nil {
		tc := kad.DefaultTableConfig()
		if cfg.TableConfig != nil {
			tc = *cfg.TableConfig
		}
		table = kad.NewTable(self, tc)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.RequestTimeout
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = constants.InlineContentLimit
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = constants.MaintenanceInterval
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = constants.RevalidateInterval
	}
	if cfg.BucketStaleAfter <= 0 {
		cfg.BucketStaleAfter = constants.BucketStaleAfter
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}

	s := &Service{
		state:               StateStopped,
		id:                  cfg.Identity,
		nid:                 cfg.Identity.NID(),
		self:                self,
		name:                name,
		advertiseAddr:       cfg.AdvertiseAddr,
		table:               table,
		store:               cfg.Store,
		messenger:           cfg.Messenger,
		transfers:           cfg.Transfers,
		radii:               fastcache.New(radiusCacheBytes),
		limiter:             newRateLimiter(cfg.RateCapacity, cfg.RateRefill),
		lookupCfg:           cfg.Lookup,
		requestTimeout:      cfg.RequestTimeout,
		inlineLimit:         cfg.InlineLimit,
		maintenanceInterval: cfg.MaintenanceInterval,
		revalidateInterval:  cfg.RevalidateInterval,
		bucketStaleAfter:    cfg.BucketStaleAfter,
		seeds:               append([]Seed(nil), cfg.Seeds...),
		checks:              make(map[kad.ID]struct{}),
		offers:              make(chan offerJob, constants.OfferQueueSize),
		logf:                cfg.Logf,
	}
	s.recordSeq.Store(1)

	// Seed the frame sequence randomly so a restarted node never
	// mistakes a stale response for one of its own requests.
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("overlay: seed sequence counter: %w", err)
	}
	s.seq.Store(binary.BigEndian.Uint64(buf[:]))

	return s, nil
}

// Start launches the maintenance loop, the offer workers, and the
// bootstrap attempt when seeds are configured.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("overlay service is already running")
	}
	if s.state == StateStarting {
		s.mu.Unlock()
		return fmt.Errorf("overlay service is already starting")
	}
	s.state = StateStarting
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	runCtx := s.ctx
	s.mu.Unlock()

	s.workers.Add(1)
	go s.maintenanceLoop(runCtx)

	for i := 0; i < constants.OfferWorkers; i++ {
		s.workers.Add(1)
		go s.offerWorker(runCtx)
	}

	if s.hasSeeds() {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.Bootstrap(runCtx); err != nil {
				s.logf("overlay: bootstrap: %v", err)
			}
		}()
	}

	go func() {
		s.workers.Wait()
		close(s.done)
	}()

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

// Stop shuts the service down, waiting for its workers until ctx
// expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("overlay service is already stopped")
	}
	if s.state == StateStopping {
		s.mu.Unlock()
		return fmt.Errorf("overlay service is already stopping")
	}
	s.state = StateStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for overlay service to stop")
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// State returns the current state of the service
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// runCtx returns the lifecycle context while running, or a background
// context for work arriving outside Start/Stop.
func (s *Service) runCtx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// NID returns the node's printable identity string.
func (s *Service) NID() string {
	return s.nid
}

// Self returns the local node id.
func (s *Service) Self() kad.ID {
	return s.self
}

// Addr returns the advertised overlay address.
func (s *Service) Addr() string {
	return s.advertiseAddr
}

// Radius returns the content store's current acceptance radius.
func (s *Service) Radius() kad.Distance {
	return s.store.Radius()
}

// Snapshot returns a copy of every routing table entry, for diagnostics.
func (s *Service) Snapshot() []kad.Peer {
	return s.table.Peers()
}

// StoreLocal stores content on this node and gossips it to the
// neighborhood. The collaborator-facing write path.
func (s *Service) StoreLocal(id kad.ID, payload []byte) error {
	if err := s.store.Put(id, payload); err != nil {
		return err
	}
	s.Gossip(id, payload)
	return nil
}

// Info summarizes the node for the control API.
type Info struct {
	NID           string `json:"nid"`
	Self          string `json:"self"`
	Name          string `json:"name,omitempty"`
	Addr          string `json:"addr"`
	State         string `json:"state"`
	Peers         int    `json:"peers"`
	Buckets       int    `json:"buckets"`
	Radius        string `json:"radius"`
	StoreCount    int    `json:"store_count"`
	StoreUsage    uint64 `json:"store_usage"`
	StoreCapacity uint64 `json:"store_capacity"`
}

// NodeInfo reports the node's current vitals.
func (s *Service) NodeInfo() Info {
	count, err := s.store.Count()
	if err != nil {
		s.logf("overlay: count store records: %v", err)
	}
	radius := s.store.Radius()
	return Info{
		NID:           s.nid,
		Self:          s.self.Hex(),
		Name:          s.name,
		Addr:          s.advertiseAddr,
		State:         s.State().String(),
		Peers:         s.table.Len(),
		Buckets:       s.table.BucketCount(),
		Radius:        radius.Hex(),
		StoreCount:    count,
		StoreUsage:    s.store.Usage(),
		StoreCapacity: s.store.Capacity(),
	}
}

// selfRecord is the node's own peer record, answered for FINDNODE
// distance 0.
func (s *Service) selfRecord() kad.Peer {
	return kad.Peer{
		ID:   s.self,
		NID:  s.nid,
		Addr: s.advertiseAddr,
		Name: s.name,
		Seq:  s.recordSeq.Load(),
	}
}

// nextSeq allocates a frame sequence number.
func (s *Service) nextSeq() uint64 {
	return s.seq.Add(1)
}

// rememberRadius caches the radius a peer advertised.
func (s *Service) rememberRadius(id kad.ID, radius []byte) {
	if len(radius) != 32 {
		return
	}
	s.radii.Set(id[:], radius)
}

// cachedRadius returns a peer's last advertised radius, if any.
func (s *Service) cachedRadius(id kad.ID) (kad.Distance, bool) {
	raw, ok := s.radii.HasGet(nil, id[:])
	if !ok {
		return kad.Distance{}, false
	}
	d, err := kad.DistanceFromBytes(raw)
	if err != nil {
		return kad.Distance{}, false
	}
	return d, true
}

// observePeer folds contact with a peer into the routing table. A full
// bucket starts the lazy-eviction protocol: ping the bucket's
// least-recently-seen entry and settle it by the outcome.
func (s *Service) observePeer(p kad.Peer) {
	if p.ID == s.self {
		return
	}
	res := s.table.InsertOrUpdate(p)
	if res.Outcome == kad.BucketFull {
		s.checkEvictionCandidate(res.Candidate)
	}
}

// mergePeers folds peer records learned from NODES and CONTENT answers
// into the table. These are hearsay, not direct contact, so a full
// bucket parks them in the replacement cache without pinging anyone.
func (s *Service) mergePeers(peers []kad.Peer) {
	for _, p := range peers {
		if p.ID == s.self {
			continue
		}
		s.table.InsertOrUpdate(p)
	}
}

// checkEvictionCandidate pings a BucketFull candidate and settles the
// bucket: a response keeps the incumbent, silence promotes the newest
// replacement in its place.
func (s *Service) checkEvictionCandidate(victim kad.Peer) {
	s.checksMu.Lock()
	if _, busy := s.checks[victim.ID]; busy {
		s.checksMu.Unlock()
		return
	}
	s.checks[victim.ID] = struct{}{}
	s.checksMu.Unlock()

	go func() {
		defer func() {
			s.checksMu.Lock()
			delete(s.checks, victim.ID)
			s.checksMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(s.runCtx(), s.requestTimeout)
		defer cancel()

		if _, err := s.Ping(ctx, victim); err != nil {
			s.table.MarkUnresponsive(victim.ID)
			if promoted, ok := s.table.ReplaceDead(victim.ID); ok {
				s.logf("overlay: replaced unresponsive %s with %s", victim.ID, promoted.ID)
			}
			return
		}
		s.table.MarkResponsive(victim.ID)
	}()
}
