// Package control serves the local operator API: newline-delimited JSON
// requests over a loopback TCP listener. Each request is one document
// {method, id, params} and each answer one document {id, result, error},
// so the wire format is scriptable with nothing more than nc and jq.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/content"
	"github.com/WebFirstLanguage/combnet/pkg/overlay"
)

// lookupTimeout bounds a content lookup triggered over the control API.
// Transfers of large payloads ride inside this budget.
const lookupTimeout = 60 * time.Second

// Request is one control call.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request, echoing its id.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Node is the overlay surface the control API exposes. *overlay.Service
// implements it.
type Node interface {
	NodeInfo() overlay.Info
	Snapshot() []kad.Peer
	Radius() kad.Distance
	StoreLocal(id kad.ID, payload []byte) error
	LookupContent(ctx context.Context, id kad.ID) (*overlay.ContentResult, error)
	AddSeed(seed overlay.Seed)
}

// Config carries the server's collaborators.
type Config struct {
	Node Node

	// Logf receives diagnostics. Defaults to discarding them.
	Logf func(format string, args ...interface{})
}

// Server answers control calls against a running node.
type Server struct {
	node Node
	logf func(string, ...interface{})

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer builds a control server around a node.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("control: node is required")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Server{
		node:  cfg.Node,
		logf:  logf,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections on l until ctx is cancelled or the listener
// fails. Cancellation closes the listener and every open connection, so
// Serve never strands a client mid-session on shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		l.Close()
		s.closeConns()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	if ctx.Err() != nil {
		// Shutdown raced the accept.
		return
	}

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logf("control: read request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logf("control: write response to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "info":
		return s.node.NodeInfo(), nil
	case "peers":
		return s.peers(), nil
	case "radius":
		r := s.node.Radius()
		return map[string]string{"radius": r.Hex()}, nil
	case "store":
		return s.storeContent(params)
	case "lookup":
		return s.lookupContent(ctx, params)
	case "seeds.add":
		return s.addSeed(params)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// PeerEntry is one routing table row as reported by the peers method.
type PeerEntry struct {
	ID       string `json:"id"`
	NID      string `json:"nid"`
	Addr     string `json:"addr"`
	Name     string `json:"name,omitempty"`
	Seq      uint64 `json:"seq"`
	LastSeen string `json:"last_seen"`
	Liveness string `json:"liveness"`
}

// PeerList is the peers method's result document.
type PeerList struct {
	Peers []PeerEntry `json:"peers"`
	Count int         `json:"count"`
}

func (s *Server) peers() PeerList {
	known := s.node.Snapshot()
	entries := make([]PeerEntry, len(known))
	for i, p := range known {
		entries[i] = PeerEntry{
			ID:       p.ID.Hex(),
			NID:      p.NID,
			Addr:     p.Addr,
			Name:     p.Name,
			Seq:      p.Seq,
			LastSeen: p.LastSeen.UTC().Format(time.RFC3339),
			Liveness: p.Liveness.String(),
		}
	}
	return PeerList{Peers: entries, Count: len(entries)}
}

// StoreResult is the store method's result document.
type StoreResult struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

func (s *Server) storeContent(params json.RawMessage) (interface{}, error) {
	var p struct {
		Payload []byte `json:"payload"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Payload == nil {
		return nil, errors.New("payload parameter is required")
	}
	id := content.DeriveID(p.Payload)
	if err := s.node.StoreLocal(id, p.Payload); err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}
	return StoreResult{ID: id.Hex(), Size: len(p.Payload)}, nil
}

// LookupResult is the lookup method's result document. Payload is
// base64 in the JSON encoding.
type LookupResult struct {
	ID      string   `json:"id"`
	Payload []byte   `json:"payload"`
	Size    int      `json:"size"`
	From    string   `json:"from,omitempty"`
	Path    []string `json:"path,omitempty"`
}

func (s *Server) lookupContent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	id, err := content.ParseID(p.ID)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	res, err := s.node.LookupContent(lctx, id)
	if err != nil {
		return nil, err
	}

	out := LookupResult{ID: id.Hex(), Payload: res.Payload, Size: len(res.Payload)}
	if res.From.NID != "" {
		out.From = res.From.NID
	}
	for _, hop := range res.Path {
		out.Path = append(out.Path, hop.ID.Hex())
	}
	return out, nil
}

// SeedResult is the seeds.add method's result document.
type SeedResult struct {
	NID  string `json:"nid"`
	Addr string `json:"addr"`
}

func (s *Server) addSeed(params json.RawMessage) (interface{}, error) {
	var p struct {
		Seed string `json:"seed"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	seed, err := overlay.ParseSeed(p.Seed)
	if err != nil {
		return nil, err
	}
	s.node.AddSeed(seed)
	return SeedResult{NID: seed.NID, Addr: seed.Addr}, nil
}

func unmarshalParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return errors.New("params required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
