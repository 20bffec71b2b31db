// Package transfer manages bulk-transfer sessions for content payloads
// too large to ride inline in an overlay datagram.
//
// A session is a single stream matched by a 2-byte connection id. The
// side that advertises the id (in a CONTENT or ACCEPT message) registers
// an expectation and accepts exactly one inbound stream opening with
// that id; the other side dials the advertised address and writes the
// id first. Unmatched and duplicate ids are rejected, and expectations
// expire if the dial never comes.
package transfer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/transport"
)

var (
	// ErrSessionExpired means no peer dialed the session before the
	// accept timeout.
	ErrSessionExpired = errors.New("transfer: session expired")

	// ErrClosed means the service has been shut down.
	ErrClosed = errors.New("transfer: service closed")

	// ErrTooLarge means a stream carried more bytes than the caller
	// allowed.
	ErrTooLarge = errors.New("transfer: payload exceeds size limit")
)

// Config carries the knobs for a transfer service.
type Config struct {
	// Transport provides the stream layer (QUIC or TCP+TLS).
	Transport transport.Transport

	// ListenAddr is the local bind address for inbound sessions.
	ListenAddr string

	// AdvertiseAddr is the address written into CONTENT and ACCEPT
	// messages. Defaults to the bound listener address.
	AdvertiseAddr string

	// TLSServer must carry a certificate; it terminates inbound
	// streams.
	TLSServer *tls.Config

	// TLSClient is used for outbound dials.
	TLSClient *tls.Config

	// AcceptTimeout bounds how long an advertised session waits for
	// its dial. Defaults to constants.TransferAcceptTimeout.
	AcceptTimeout time.Duration

	// Logf receives diagnostic output. Nil disables logging.
	Logf func(format string, args ...interface{})
}

// Service accepts and dials transfer sessions over a single listener.
type Service struct {
	transport     transport.Transport
	listenAddr    string
	advertiseAddr string
	tlsServer     *tls.Config
	tlsClient     *tls.Config
	acceptTimeout time.Duration
	logf          func(string, ...interface{})

	mu       sync.Mutex
	listener transport.Listener
	expect   map[uint16]*Session
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a transfer service. Call Start before Expect or Dial.
func New(cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transfer: transport is required")
	}
	if cfg.TLSServer == nil {
		return nil, fmt.Errorf("transfer: server TLS config is required")
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = constants.TransferAcceptTimeout
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	return &Service{
		transport:     cfg.Transport,
		listenAddr:    cfg.ListenAddr,
		advertiseAddr: cfg.AdvertiseAddr,
		tlsServer:     cfg.TLSServer,
		tlsClient:     cfg.TLSClient,
		acceptTimeout: cfg.AcceptTimeout,
		logf:          cfg.Logf,
		expect:        make(map[uint16]*Session),
	}, nil
}

// Start binds the listener and begins matching inbound sessions.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return fmt.Errorf("transfer: already started")
	}

	listener, err := s.transport.Listen(ctx, s.listenAddr, s.tlsServer)
	if err != nil {
		return fmt.Errorf("transfer: listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener
	if s.advertiseAddr == "" {
		s.advertiseAddr = listener.Addr().String()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(loopCtx, listener)
	return nil
}

// Addr returns the address peers should dial, valid after Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertiseAddr
}

// Close shuts the listener down and fails all pending sessions.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	if s.cancel != nil {
		s.cancel()
	}
	pending := make([]*Session, 0, len(s.expect))
	for _, sess := range s.expect {
		pending = append(pending, sess)
	}
	s.expect = make(map[uint16]*Session)
	s.mu.Unlock()

	for _, sess := range pending {
		sess.expire()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

// Expect registers a new session and returns it. The caller advertises
// Session.ID and the service address, then waits on Session.Accept.
func (s *Service) Expect() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.listener == nil {
		return nil, fmt.Errorf("transfer: service not started")
	}

	id, err := s.unusedIDLocked()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		id:   id,
		svc:  s,
		conn: make(chan transport.Conn, 1),
		done: make(chan struct{}),
	}
	sess.timer = time.AfterFunc(s.acceptTimeout, func() {
		s.drop(id)
		sess.expire()
	})
	s.expect[id] = sess
	return sess, nil
}

func (s *Service) unusedIDLocked() (uint16, error) {
	var buf [2]byte
	for i := 0; i < 32; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("transfer: generate session id: %w", err)
		}
		id := binary.BigEndian.Uint16(buf[:])
		if _, taken := s.expect[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("transfer: no free session id")
}

// Dial opens the stream for a session advertised by a peer: connect to
// addr and announce the connection id.
func (s *Service) Dial(ctx context.Context, addr string, connID uint16) (transport.Conn, error) {
	conn, err := s.transport.Dial(ctx, addr, s.tlsClient)
	if err != nil {
		return nil, fmt.Errorf("transfer: dial %s: %w", addr, err)
	}

	var idBuf [2]byte
	binary.BigEndian.PutUint16(idBuf[:], connID)
	conn.SetWriteDeadline(time.Now().Add(s.acceptTimeout))
	if _, err := conn.Write(idBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transfer: send session id: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (s *Service) acceptLoop(ctx context.Context, listener transport.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			s.logf("transfer: accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.match(conn)
	}
}

// match reads the leading session id and hands the stream to the
// expecting session, or drops it.
func (s *Service) match(conn transport.Conn) {
	defer s.wg.Done()

	var idBuf [2]byte
	conn.SetReadDeadline(time.Now().Add(s.acceptTimeout))
	if _, err := readFull(conn, idBuf[:]); err != nil {
		s.logf("transfer: inbound stream without session id: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	id := binary.BigEndian.Uint16(idBuf[:])
	sess := s.drop(id)
	if sess == nil {
		s.logf("transfer: no session %d for %s", id, conn.RemoteAddr())
		conn.Close()
		return
	}
	sess.deliver(conn)
}

// drop removes a session from the expectation table. Removing on first
// match is what rejects a second dial with the same id.
func (s *Service) drop(id uint16) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.expect[id]
	delete(s.expect, id)
	return sess
}

// Session is one advertised transfer slot.
type Session struct {
	id    uint16
	svc   *Service
	conn  chan transport.Conn
	timer *time.Timer

	once sync.Once
	done chan struct{}
}

// ID is the 2-byte connection id to advertise.
func (sess *Session) ID() uint16 {
	return sess.id
}

// Accept waits for the peer's dial and returns the matched stream.
func (sess *Session) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case conn := <-sess.conn:
		sess.timer.Stop()
		return conn, nil
	default:
	}
	select {
	case conn := <-sess.conn:
		sess.timer.Stop()
		return conn, nil
	case <-sess.done:
		sess.closeBuffered()
		return nil, ErrSessionExpired
	case <-ctx.Done():
		sess.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel withdraws the session. A later dial with its id is rejected.
func (sess *Session) Cancel() {
	sess.timer.Stop()
	sess.svc.drop(sess.id)
	sess.expire()
}

func (sess *Session) deliver(conn transport.Conn) {
	select {
	case sess.conn <- conn:
	default:
		conn.Close()
	}
}

func (sess *Session) expire() {
	sess.once.Do(func() { close(sess.done) })
	sess.closeBuffered()
}

func (sess *Session) closeBuffered() {
	select {
	case conn := <-sess.conn:
		conn.Close()
	default:
	}
}

func readFull(conn transport.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
