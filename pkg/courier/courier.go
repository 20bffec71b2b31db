// Package courier provides request/response messaging over UDP
// datagrams. Each datagram wraps an opaque payload in a small CBOR
// envelope carrying a correlation id; responses are matched to waiting
// callers by that id. The receiver side deduplicates retried requests
// and replays the cached response instead of handling them twice.
package courier

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/combnet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// ErrTimeout is returned by Request when no response arrives in time.
var ErrTimeout = errors.New("courier: request timed out")

// ErrClosed is returned for operations on a closed courier.
var ErrClosed = errors.New("courier: closed")

const (
	typeRequest  uint8 = 1
	typeResponse uint8 = 2

	maxDatagramSize = 64 * 1024
)

// envelope is the datagram wrapper.
type envelope struct {
	ID      uint64 `cbor:"id"`
	Type    uint8  `cbor:"type"`
	Payload []byte `cbor:"payload"`
}

// Handler processes one inbound request payload and returns the
// response payload to send back. Returning nil bytes or an error drops
// the request without a reply.
type Handler func(from *net.UDPAddr, payload []byte) ([]byte, error)

// Config carries courier settings. Zero values fall back to defaults.
type Config struct {
	// ListenAddr is the UDP address to bind, e.g. ":27520".
	ListenAddr string

	// Timeout bounds one request attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first. The
	// receiver-side dedupe cache makes retries idempotent.
	Retries int

	// DedupeWindow is how long handled requests are remembered.
	DedupeWindow time.Duration

	// Logf receives diagnostic messages. Nil disables logging.
	Logf func(format string, args ...interface{})
}

type seenEntry struct {
	response []byte // nil while the handler is still running
	at       time.Time
}

// Courier is a UDP endpoint speaking the envelope protocol.
type Courier struct {
	conn    *net.UDPConn
	handler Handler
	cfg     Config

	nextID uint64

	mu       sync.Mutex
	inflight map[uint64]chan []byte
	seen     map[string]*seenEntry

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New binds cfg.ListenAddr and starts serving. The handler runs on its
// own goroutine per request.
func New(cfg Config, handler Handler) (*Courier, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", constants.DefaultOverlayPort)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.RequestTimeout
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = constants.DedupeWindow
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("courier: resolving %s: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("courier: binding %s: %w", cfg.ListenAddr, err)
	}

	c := &Courier{
		conn:     conn,
		handler:  handler,
		cfg:      cfg,
		inflight: make(map[uint64]chan []byte),
		seen:     make(map[string]*seenEntry),
		closed:   make(chan struct{}),
	}

	// Random starting id so a restarted node does not collide with its
	// previous ids in peer dedupe caches.
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("courier: seeding correlation ids: %w", err)
	}
	c.nextID = binary.BigEndian.Uint64(seed[:])

	c.wg.Add(2)
	go c.readLoop()
	go c.janitor()
	return c, nil
}

// LocalAddr returns the bound UDP address.
func (c *Courier) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Request sends payload to addr and waits for the matching response.
// Additional attempts reuse the same correlation id, so a late response
// to an earlier attempt still completes the call.
func (c *Courier) Request(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("courier: resolving %s: %w", addr, err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	data, err := cborcanon.Marshal(&envelope{ID: id, Type: typeRequest, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("courier: encoding request: %w", err)
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.inflight[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	attempts := c.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if _, err := c.conn.WriteToUDP(data, dst); err != nil {
			return nil, fmt.Errorf("courier: sending to %s: %w", addr, err)
		}

		timer := time.NewTimer(c.cfg.Timeout)
		select {
		case resp := <-ch:
			timer.Stop()
			return resp, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
	}
	return nil, ErrTimeout
}

func (c *Courier) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.cfg.Logf("courier: read error: %v", err)
			}
			return
		}

		var env envelope
		if err := cborcanon.Unmarshal(buf[:n], &env); err != nil {
			c.cfg.Logf("courier: dropping malformed datagram from %s: %v", src, err)
			continue
		}

		switch env.Type {
		case typeResponse:
			c.mu.Lock()
			ch := c.inflight[env.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env.Payload:
				default:
				}
			}
		case typeRequest:
			c.dispatch(env, src)
		default:
			c.cfg.Logf("courier: dropping datagram with unknown type %d from %s", env.Type, src)
		}
	}
}

// dispatch handles one inbound request, serving duplicates from the
// response cache.
func (c *Courier) dispatch(env envelope, src *net.UDPAddr) {
	key := fmt.Sprintf("%s/%d", src.String(), env.ID)

	c.mu.Lock()
	if entry, ok := c.seen[key]; ok {
		resp := entry.response
		c.mu.Unlock()
		if resp != nil {
			if _, err := c.conn.WriteToUDP(resp, src); err != nil {
				c.cfg.Logf("courier: resending cached response to %s: %v", src, err)
			}
		}
		// Still being handled: the duplicate is dropped.
		return
	}
	c.seen[key] = &seenEntry{at: time.Now()}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		payload, err := c.handler(src, env.Payload)
		if err != nil || payload == nil {
			if err != nil {
				c.cfg.Logf("courier: handler dropped request from %s: %v", src, err)
			}
			return
		}

		data, err := cborcanon.Marshal(&envelope{ID: env.ID, Type: typeResponse, Payload: payload})
		if err != nil {
			c.cfg.Logf("courier: encoding response: %v", err)
			return
		}

		c.mu.Lock()
		if entry, ok := c.seen[key]; ok {
			entry.response = data
			entry.at = time.Now()
		}
		c.mu.Unlock()

		if _, err := c.conn.WriteToUDP(data, src); err != nil {
			c.cfg.Logf("courier: sending response to %s: %v", src, err)
		}
	}()
}

// janitor expires dedupe entries past the window.
func (c *Courier) janitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.DedupeWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.seen {
				if now.Sub(entry.at) > c.cfg.DedupeWindow {
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close shuts the socket down and waits for in-flight handlers.
func (c *Courier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
