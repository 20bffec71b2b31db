package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client issues control calls over a single connection. Calls are
// serialized, one request and one response at a time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	seq  int
}

// Dial connects to a control listener.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control api at %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Call invokes method with params and decodes the result into result.
// Either may be nil. A non-empty error field in the response comes back
// as a plain error.
func (c *Client) Call(method string, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req := Request{Method: method, ID: strconv.Itoa(c.seq)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	var resp struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("control response id %q does not match request id %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
