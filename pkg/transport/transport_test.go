package transport

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// memTransport is an in-memory Transport backed by net.Pipe. Dial hands
// one end of a pipe to the listener and returns the other.
type memTransport struct {
	mu        chan struct{}
	listeners map[string]*memListener
}

func newMemTransport() *memTransport {
	mt := &memTransport{
		mu:        make(chan struct{}, 1),
		listeners: make(map[string]*memListener),
	}
	mt.mu <- struct{}{}
	return mt
}

func (m *memTransport) Name() string     { return "mem" }
func (m *memTransport) DefaultPort() int { return 0 }

func (m *memTransport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l := &memListener{addr: addr, pending: make(chan net.Conn, 4)}
	<-m.mu
	m.listeners[addr] = l
	m.mu <- struct{}{}
	return l, nil
}

func (m *memTransport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	<-m.mu
	l, ok := m.listeners[addr]
	m.mu <- struct{}{}
	if !ok {
		return nil, net.ErrClosed
	}
	local, remote := net.Pipe()
	select {
	case l.pending <- remote:
		return &memConn{Conn: local}, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

type memListener struct {
	addr    string
	pending chan net.Conn
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.pending:
		return &memConn{Conn: c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Close() error { return nil }

func (l *memListener) Addr() net.Addr {
	addr, _ := net.ResolveTCPAddr("tcp", l.addr)
	return addr
}

type memConn struct {
	net.Conn
}

func (c *memConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	if len(registry.List()) != 0 {
		t.Error("Expected empty registry")
	}

	registry.Register("mem", newMemTransport())

	tr, ok := registry.Get("mem")
	if !ok {
		t.Fatal("Expected to find registered transport")
	}
	if tr.Name() != "mem" {
		t.Errorf("Expected transport name 'mem', got '%s'", tr.Name())
	}

	names := registry.List()
	if len(names) != 1 || names[0] != "mem" {
		t.Errorf("Expected list ['mem'], got %v", names)
	}

	if _, ok := registry.Get("nonexistent"); ok {
		t.Error("Expected not to find non-existent transport")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if len(config.ALPNProtocols) == 0 {
		t.Fatal("Expected ALPN protocols to be set")
	}
	if config.ALPNProtocols[0] != constants.TransferALPN {
		t.Errorf("Expected ALPN protocol '%s', got '%s'", constants.TransferALPN, config.ALPNProtocols[0])
	}
	if config.ConnectTimeout == 0 {
		t.Error("Expected connect timeout to be set")
	}
	if config.KeepAlive == 0 {
		t.Error("Expected keep-alive to be set")
	}
	if config.MaxIdleTimeout == 0 {
		t.Error("Expected max idle timeout to be set")
	}
}

func TestMemTransportRoundTrip(t *testing.T) {
	mt := newMemTransport()
	ctx := context.Background()

	listener, err := mt.Listen(ctx, "node-a:0", nil)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	client, err := mt.Dial(ctx, "node-a:0", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	server, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	defer server.Close()

	payload := []byte("transfer stream payload")
	go func() {
		client.Write(payload)
		client.Close()
	}()

	buf := make([]byte, len(payload))
	if _, err := readFull(server, buf); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Errorf("Expected payload %q, got %q", payload, buf)
	}
}

func readFull(c Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestAcceptHonorsContext(t *testing.T) {
	mt := newMemTransport()

	listener, err := mt.Listen(context.Background(), "node-b:0", nil)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := listener.Accept(ctx); err == nil {
		t.Error("Expected accept to fail when context expires")
	}
}

func TestDialUnknownAddr(t *testing.T) {
	mt := newMemTransport()

	if _, err := mt.Dial(context.Background(), "nobody:0", nil); err == nil {
		t.Error("Expected dial to an unknown address to fail")
	}
}

func TestConnDeadlines(t *testing.T) {
	mt := newMemTransport()
	ctx := context.Background()

	listener, err := mt.Listen(ctx, "node-c:0", nil)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	client, err := mt.Dial(ctx, "node-c:0", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(10 * time.Millisecond)
	if err := client.SetReadDeadline(deadline); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("Expected read to fail after deadline")
	}
}
