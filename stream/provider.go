package stream

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
	"github.com/tempest-io/tempest/wire"
)

// listener abstracts the accept source so TCP and QUIC providers share
// one accept loop.
type listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

type tcpListener struct{ net.Listener }

// Provider accepts inbound stream connections and surfaces them as
// ConnectionMade events.
type Provider struct {
	target    string
	protocols protocol.Map
	opts      config.Options
	pool      *wire.Pool
	logger    zerolog.Logger

	listen func() (listener, error)

	mu      sync.Mutex
	ln      listener
	conns   map[*Conn]struct{}
	running bool
	wg      sync.WaitGroup

	hmu  sync.RWMutex
	made []tempest.ConnectionHandler
}

var _ tempest.ConnectionProvider = (*Provider)(nil)

// NewProvider creates a TCP provider listening on addr.
func NewProvider(addr string, protocols []*protocol.Protocol, opts *config.Options) (*Provider, error) {
	p, err := newProvider(addr, protocols, opts)
	if err != nil {
		return nil, err
	}
	p.listen = func() (listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return tcpListener{ln}, nil
	}
	return p, nil
}

func newProvider(addr string, protocols []*protocol.Protocol, opts *config.Options) (*Provider, error) {
	m, err := protocol.NewMap(protocols...)
	if err != nil {
		return nil, err
	}
	var o config.Options
	if opts != nil {
		o = *opts
	}
	o.ApplyDefaults()
	return &Provider{
		target:    addr,
		protocols: m,
		opts:      o,
		pool:      wire.NewPool(o.BufferLimit),
		logger:    log.With().Str("com", "stream-provider").Str("addr", addr).Logger(),
		conns:     make(map[*Conn]struct{}),
	}, nil
}

// OnConnectionMade registers a handler for accepted connections.
func (p *Provider) OnConnectionMade(h tempest.ConnectionHandler) {
	p.hmu.Lock()
	p.made = append(p.made, h)
	p.hmu.Unlock()
}

// OnConnectionless is a no-op: stream transports have no connectionless
// traffic.
func (p *Provider) OnConnectionless(tempest.MessageHandler) {}

// Addr returns the bound listen address, useful with port 0.
func (p *Provider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Start binds the listener and begins accepting.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	ln, err := p.listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.target, err)
	}
	p.ln = ln
	p.running = true
	p.wg.Add(1)
	go p.acceptLoop(ln)
	p.logger.Info().Msg("listening")
	return nil
}

func (p *Provider) acceptLoop(ln listener) {
	defer p.wg.Done()
	for {
		sock, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running && !errors.Is(err, net.ErrClosed) {
				p.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		p.accept(sock)
	}
}

func (p *Provider) accept(sock net.Conn) {
	c := newConn(p.protocols, p.opts, p.pool, true)

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		_ = sock.Close()
		return
	}
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	c.OnDisconnected(func(*tempest.DisconnectEvent) {
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
	})

	p.hmu.RLock()
	made := p.made
	p.hmu.RUnlock()
	for _, h := range made {
		h(&tempest.ConnectionEvent{Connection: c})
	}

	c.start(sock)
}

// Stop closes the listener and tears down every live connection.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	ln := p.ln
	p.ln = nil
	conns := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.DisconnectWithReason(ctx, protocol.ReasonRequested, "")
	}
	p.wg.Wait()
	p.logger.Info().Msg("stopped")
	return nil
}
