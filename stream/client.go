package stream

import (
	"context"
	"fmt"
	"net"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
)

// Client is a dial-side stream connection.
type Client struct {
	*Conn
}

var _ tempest.ClientConnection = (*Client)(nil)

// NewClient prepares a client connection carrying the given protocols.
// Connect must be called before any send.
func NewClient(protocols []*protocol.Protocol, opts *config.Options) (*Client, error) {
	m, err := protocol.NewMap(protocols...)
	if err != nil {
		return nil, err
	}
	var o config.Options
	if opts != nil {
		o = *opts
	}
	return &Client{Conn: newConn(m, o, nil, false)}, nil
}

// Connect dials target over TCP and blocks until the connection reaches
// Connected, including any required handshake.
func (c *Client) Connect(ctx context.Context, target string) error {
	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}
	return c.connectWith(ctx, sock)
}

// connectWith runs the post-dial sequence over an established transport.
func (c *Client) connectWith(ctx context.Context, sock net.Conn) error {
	c.start(sock)
	if c.State() == tempest.Handshaking {
		if err := c.sendHello(ctx); err != nil {
			c.disconnectAsync(protocol.ReasonFailedHandshake, "")
			return err
		}
	}
	return c.waitHandshake(ctx)
}

// Dial is the one-call convenience: NewClient plus Connect.
func Dial(ctx context.Context, target string, protocols []*protocol.Protocol, opts *config.Options) (*Client, error) {
	c, err := NewClient(protocols, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, target); err != nil {
		return nil, err
	}
	return c, nil
}
