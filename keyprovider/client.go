package keyprovider

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Client talks to a key provider over plain TCP. Every request uses a fresh
// connection.
type Client struct {
	Addr    string
	Timeout time.Duration

	dialer net.Dialer
}

func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{Addr: addr, Timeout: timeout}
}

func (c *Client) GetSealingKey(ctx context.Context, req interfaces.SealingKeyRequest) (interfaces.SealingKeyResponse, error) {
	var resp interfaces.SealingKeyResponse

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return resp, fmt.Errorf("%w: connecting to key provider %s: %w", interfaces.ErrBrokerIO, c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return resp, err
	}
	if err := ReadFrame(conn, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

var _ interfaces.KeyProvider = (*Client)(nil)
