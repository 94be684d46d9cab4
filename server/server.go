// Package server owns a set of connection providers and dispatches their
// traffic to application handlers in one of two execution modes.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/protocol"
)

// ExecutionMode selects how a provider's events reach handlers.
type ExecutionMode int

const (
	// ConnectionOrder delivers each inbound message on its connection's
	// own receive path. Handlers see strict per-connection ordering; no
	// ordering guarantee exists across connections.
	ConnectionOrder ExecutionMode = iota
	// GlobalOrder funnels every event through one shared FIFO drained
	// by a single worker. Handlers see a strict total order across all
	// connections, and never run concurrently.
	GlobalOrder
)

func (m ExecutionMode) String() string {
	if m == GlobalOrder {
		return "global-order"
	}
	return "connection-order"
}

// eventQueueSize bounds the shared FIFO. Enqueueing blocks when full,
// which backpressures the receive paths feeding it.
const eventQueueSize = 1024

type eventKind int

const (
	evConnectionMade eventKind = iota
	evMessageReceived
	evConnectionless
	evDisconnected
)

type event struct {
	kind    eventKind
	conn    *tempest.ConnectionEvent
	message *tempest.MessageEvent
	disc    *tempest.DisconnectEvent
}

type providerEntry struct {
	provider tempest.ConnectionProvider
	mode     ExecutionMode
}

// Server owns connection providers and routes their events to the
// registered application handlers.
type Server struct {
	logger zerolog.Logger

	mu        sync.Mutex
	providers []providerEntry
	running   bool

	queue    chan event
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	hmu      sync.RWMutex
	made     []tempest.ConnectionHandler
	received []tempest.MessageHandler
	connless []tempest.MessageHandler
	disc     []tempest.DisconnectHandler
}

// New creates an empty server.
func New() *Server {
	return &Server{
		logger: log.With().Str("com", "server").Logger(),
		queue:  make(chan event, eventQueueSize),
		stopCh: make(chan struct{}),
	}
}

// AddConnectionProvider registers a provider with its execution mode.
// Must be called before Start.
func (s *Server) AddConnectionProvider(p tempest.ConnectionProvider, mode ExecutionMode) {
	entry := providerEntry{provider: p, mode: mode}

	p.OnConnectionMade(func(ev *tempest.ConnectionEvent) {
		s.onConnectionMade(entry, ev)
	})
	p.OnConnectionless(func(ev *tempest.MessageEvent) {
		s.dispatch(entry.mode, event{kind: evConnectionless, message: ev})
	})

	s.mu.Lock()
	s.providers = append(s.providers, entry)
	s.mu.Unlock()
	s.logger.Info().Str("mode", mode.String()).Msg("provider added")
}

// OnConnectionMade registers a handler for accepted connections.
func (s *Server) OnConnectionMade(h tempest.ConnectionHandler) {
	s.hmu.Lock()
	s.made = append(s.made, h)
	s.hmu.Unlock()
}

// OnMessage registers a handler for received application messages.
func (s *Server) OnMessage(h tempest.MessageHandler) {
	s.hmu.Lock()
	s.received = append(s.received, h)
	s.hmu.Unlock()
}

// OnConnectionless registers a handler for connectionless messages.
func (s *Server) OnConnectionless(h tempest.MessageHandler) {
	s.hmu.Lock()
	s.connless = append(s.connless, h)
	s.hmu.Unlock()
}

// OnDisconnected registers a handler for connection teardown events.
func (s *Server) OnDisconnected(h tempest.DisconnectHandler) {
	s.hmu.Lock()
	s.disc = append(s.disc, h)
	s.hmu.Unlock()
}

func (s *Server) onConnectionMade(entry providerEntry, ev *tempest.ConnectionEvent) {
	ev.Connection.OnMessage(func(me *tempest.MessageEvent) {
		s.dispatch(entry.mode, event{kind: evMessageReceived, message: me})
	})
	ev.Connection.OnDisconnected(func(de *tempest.DisconnectEvent) {
		s.dispatch(entry.mode, event{kind: evDisconnected, disc: de})
	})
	s.dispatch(entry.mode, event{kind: evConnectionMade, conn: ev})
}

// dispatch routes one event: GlobalOrder enqueues into the shared FIFO,
// ConnectionOrder invokes handlers on the calling (receive) path.
func (s *Server) dispatch(mode ExecutionMode, ev event) {
	if mode == GlobalOrder {
		select {
		case s.queue <- ev:
			return
		case <-s.stopCh:
			return
		}
	}
	s.invoke(ev)
}

func (s *Server) invoke(ev event) {
	s.hmu.RLock()
	made, received, connless, disc := s.made, s.received, s.connless, s.disc
	s.hmu.RUnlock()

	switch ev.kind {
	case evConnectionMade:
		for _, h := range made {
			h(ev.conn)
		}
	case evMessageReceived:
		for _, h := range received {
			h(ev.message)
		}
	case evConnectionless:
		for _, h := range connless {
			h(ev.message)
		}
	case evDisconnected:
		for _, h := range disc {
			h(ev.disc)
		}
	}
}

// Start starts every provider and, if any uses GlobalOrder, the single
// dispatch worker.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	providers := s.providers
	s.mu.Unlock()

	needWorker := false
	for _, entry := range providers {
		if entry.mode == GlobalOrder {
			needWorker = true
		}
		if err := entry.provider.Start(ctx); err != nil {
			_ = s.Stop(ctx)
			return fmt.Errorf("start provider: %w", err)
		}
	}
	if needWorker {
		s.workerWg.Add(1)
		go s.worker()
	}
	s.logger.Info().Int("providers", len(providers)).Msg("started")
	return nil
}

// worker drains the shared FIFO sequentially: handler(M1) completes
// before handler(M2) begins, in enqueue order.
func (s *Server) worker() {
	defer s.workerWg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.invoke(ev)
		case <-s.stopCh:
			// Drain what was enqueued before the stop signal.
			for {
				select {
				case ev := <-s.queue:
					s.invoke(ev)
				default:
					return
				}
			}
		}
	}
}

// Stop stops providers, signals the worker, and joins it.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	providers := s.providers
	stopCh := s.stopCh
	s.mu.Unlock()

	for _, entry := range providers {
		if err := entry.provider.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("provider stop failed")
		}
	}
	close(stopCh)
	s.workerWg.Wait()
	s.logger.Info().Msg("stopped")
	return nil
}

// DisconnectWithReason sends the peer a Disconnect carrying reason, then
// closes the connection.
func (s *Server) DisconnectWithReason(ctx context.Context, conn tempest.Connection, reason string) error {
	return conn.DisconnectWithReason(ctx, protocol.ReasonCustom, reason)
}
