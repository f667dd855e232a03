package beacon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds one request/response round trip.
const DefaultRequestTimeout = 5 * time.Second

// Client talks to a beacon over a persistent TCP connection. Requests are
// serialised; a timed-out request tears the socket down so a late reply can
// never be matched to the wrong caller.
type Client struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a client for the beacon at addr. A zero timeout selects
// the default.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Register registers a pylon instance.
func (c *Client) Register(pylonID int, mcpHost string, mcpPort int, env string, force bool) error {
	resp, err := c.do(&Request{
		Action:  ActionRegister,
		PylonID: pylonID,
		MCPHost: mcpHost,
		MCPPort: mcpPort,
		Env:     env,
		Force:   force,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("register: %s", resp.Error)
	}
	return nil
}

// Unregister removes a pylon registration.
func (c *Client) Unregister(pylonID int) error {
	resp, err := c.do(&Request{Action: ActionUnregister, PylonID: pylonID})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("unregister: %s", resp.Error)
	}
	return nil
}

// Lookup resolves a toolUseId to its conversation context.
func (c *Client) Lookup(toolUseID string) (*Response, error) {
	resp, err := c.do(&Request{Action: ActionLookup, ToolUseID: toolUseID})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}

// do sends one request and reads one terminal reply within the timeout.
func (c *Client) do(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	_ = c.conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.teardownLocked()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("Request timeout")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("dial beacon: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) teardownLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
