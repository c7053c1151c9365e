package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/data"
)

// Client talks to a SnapshotServer over one connection.
type Client struct {
	conn net.Conn
}

// Dial connects to address and authenticates when token is not empty.
func Dial(ctx context.Context, address, token string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c := &Client{conn: conn}
	if token != "" {
		if _, err := c.call(&Request{Type: RequestAuth, Token: token}); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// Snapshot fetches and decodes the committed chain headers.
func (c *Client) Snapshot() ([]data.BlockHeader, error) {
	resp, err := c.call(&Request{Type: RequestSnapshot})
	if err != nil {
		return nil, err
	}
	return data.DecodeSnapshot(resp.Snapshot)
}

// Status fetches the driver status.
func (c *Client) Status() (*StatusInfo, error) {
	resp, err := c.call(&Request{Type: RequestStatus})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, errors.New("empty status response")
	}
	return resp.Status, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req *Request) (*Response, error) {
	_ = c.conn.SetDeadline(time.Now().Add(connTimeout))
	if err := writeMsg(c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", req.Type, err)
	}
	var resp Response
	if err := readMsg(c.conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Type, err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%s request failed: %s", req.Type, resp.Error)
	}
	return &resp, nil
}
