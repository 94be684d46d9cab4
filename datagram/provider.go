package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
)

// Provider accepts inbound datagram connections on one UDP socket,
// demultiplexing by remote address. A handshake hello from an unknown
// remote creates a connection; any other decodable frame surfaces as a
// connectionless message.
type Provider struct {
	addr      string
	protocols protocol.Map
	opts      config.Options
	logger    zerolog.Logger

	// peek decodes frames from unknown remotes before any connection
	// exists for them. It never has keys, which is fine: hellos and
	// connectionless traffic are plaintext by construction.
	peek *protocol.Serializer

	mu      sync.Mutex
	sock    *net.UDPConn
	conns   map[string]*Conn
	running bool
	wg      sync.WaitGroup

	hmu      sync.RWMutex
	made     []tempest.ConnectionHandler
	connless []tempest.MessageHandler
}

var _ tempest.ConnectionProvider = (*Provider)(nil)

// NewProvider creates a datagram provider listening on addr.
func NewProvider(addr string, protocols []*protocol.Protocol, opts *config.Options) (*Provider, error) {
	m, err := protocol.NewMap(protocols...)
	if err != nil {
		return nil, err
	}
	var o config.Options
	if opts != nil {
		o = *opts
	}
	o.ApplyDefaults()
	peek := protocol.NewSerializer(m, protocol.DefaultTypes, o.MaxMessageLength)
	peek.IncludeHeaderID(true)
	return &Provider{
		addr:      addr,
		protocols: m,
		opts:      o,
		logger:    log.With().Str("com", "datagram-provider").Str("addr", addr).Logger(),
		peek:      peek,
		conns:     make(map[string]*Conn),
	}, nil
}

// OnConnectionMade registers a handler for accepted connections.
func (p *Provider) OnConnectionMade(h tempest.ConnectionHandler) {
	p.hmu.Lock()
	p.made = append(p.made, h)
	p.hmu.Unlock()
}

// OnConnectionless registers a handler for messages arriving outside any
// established connection.
func (p *Provider) OnConnectionless(h tempest.MessageHandler) {
	p.hmu.Lock()
	p.connless = append(p.connless, h)
	p.hmu.Unlock()
}

// Addr returns the bound listen address, useful with port 0.
func (p *Provider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return nil
	}
	return p.sock.LocalAddr()
}

// Start binds the socket and begins the demux loop.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p.addr, err)
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.addr, err)
	}
	p.sock = sock
	p.running = true
	p.wg.Add(1)
	go p.readLoop(sock)
	p.logger.Info().Msg("listening")
	return nil
}

func (p *Provider) readLoop(sock *net.UDPConn) {
	defer p.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := sock.ReadFromUDP(buf)
		if err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running && !errors.Is(err, net.ErrClosed) {
				p.logger.Error().Err(err).Msg("read failed")
			}
			return
		}

		key := raddr.String()
		p.mu.Lock()
		c := p.conns[key]
		p.mu.Unlock()
		if c != nil {
			c.receive(buf[:n])
			continue
		}
		p.handleUnknown(sock, buf[:n], raddr)
	}
}

// handleUnknown decides what a frame from an unknown remote is: a
// connect (handshake hello), connectionless traffic, or noise.
func (p *Provider) handleUnknown(sock *net.UDPConn, data []byte, raddr *net.UDPAddr) {
	header, status, err := p.peek.ReadHeader(data, 0, len(data))
	if err != nil || status != protocol.StatusReady {
		return
	}
	if err := p.peek.DecodePayload(data[:header.MessageLength], header); err != nil {
		return
	}

	if _, ok := header.Message.(*protocol.HandshakeHello); ok {
		p.accept(sock, data, raddr)
		return
	}

	p.hmu.RLock()
	connless := p.connless
	p.hmu.RUnlock()
	ev := &tempest.MessageEvent{Message: header.Message, Header: header}
	for _, h := range connless {
		h(ev)
	}
}

func (p *Provider) accept(sock *net.UDPConn, hello []byte, raddr *net.UDPAddr) {
	c := newConn(p.protocols, p.opts, true)
	key := raddr.String()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.conns[key] = c
	p.mu.Unlock()

	c.OnDisconnected(func(*tempest.DisconnectEvent) {
		p.mu.Lock()
		delete(p.conns, key)
		p.mu.Unlock()
	})

	p.hmu.RLock()
	made := p.made
	p.hmu.RUnlock()
	for _, h := range made {
		h(&tempest.ConnectionEvent{Connection: c})
	}

	c.start(func(b []byte) (int, error) {
		return sock.WriteToUDP(b, raddr)
	}, raddr, nil)

	// Replay the hello through the connection so key agreement and the
	// reliable queue observe it like any other frame.
	c.receive(hello)
}

// Stop closes the socket and tears down every live connection.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	sock := p.sock
	p.sock = nil
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.DisconnectWithReason(ctx, protocol.ReasonRequested, "")
	}
	if sock != nil {
		_ = sock.Close()
	}
	p.wg.Wait()
	p.logger.Info().Msg("stopped")
	return nil
}
