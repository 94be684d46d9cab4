package datagram

import (
	"context"
	"fmt"
	"net"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
)

// readBufferSize fits the largest UDP payload.
const readBufferSize = 65536

// Client is a dial-side datagram connection.
type Client struct {
	*Conn
}

var _ tempest.ClientConnection = (*Client)(nil)

// NewClient prepares a client connection carrying the given protocols.
func NewClient(protocols []*protocol.Protocol, opts *config.Options) (*Client, error) {
	m, err := protocol.NewMap(protocols...)
	if err != nil {
		return nil, err
	}
	var o config.Options
	if opts != nil {
		o = *opts
	}
	return &Client{Conn: newConn(m, o, false)}, nil
}

// Connect dials target and performs key agreement. The handshake hello
// doubles as the connect datagram: the provider creates its side of the
// connection on receipt.
func (c *Client) Connect(ctx context.Context, target string) error {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}

	c.readDone = make(chan struct{})
	c.start(sock.Write, addr, sock.Close)
	go c.readLoop(sock)

	if err := c.sendHello(ctx); err != nil {
		c.disconnectAsync(protocol.ReasonFailedHandshake, "")
		return err
	}
	return c.waitHandshake(ctx)
}

func (c *Client) readLoop(sock *net.UDPConn) {
	defer close(c.readDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if err != nil {
			c.mu.Lock()
			requested := c.disconnecting
			c.mu.Unlock()
			if !requested {
				c.disconnectAsync(protocol.ReasonConnectionFailed, "")
			}
			return
		}
		c.receive(buf[:n])
	}
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
