// Package stream implements the reliable-transport connection: a
// full-duplex message link over any net.Conn, with receive-side frame
// reassembly, a pooled send path, and handshake-gated crypto.
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
	"github.com/tempest-io/tempest/secure"
	"github.com/tempest-io/tempest/wire"
)

// receiveBufferSize is the initial receive buffer capacity. The buffer
// grows (doubling) when a single frame exceeds it, bounded by the frame
// length cap.
const receiveBufferSize = 64 * 1024

// maxPingsOut is how many unanswered pings the scheduler tolerates.
const maxPingsOut = 3

// Conn is a message connection over a reliable byte stream.
type Conn struct {
	id     uuid.UUID
	opts   config.Options
	pool   *wire.Pool
	logger zerolog.Logger

	protocols  protocol.Map
	serializer *protocol.Serializer

	// stateSync: guards sock, disconnecting, and the stashed reason.
	mu            sync.Mutex
	sock          net.Conn
	disconnecting bool
	reason        protocol.DisconnectReason
	customReason  string

	state        atomic.Int32
	pendingAsync atomic.Int64
	ops          sync.WaitGroup
	readDone     chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	torndown     chan struct{}

	// wmu serializes socket writes so frames never interleave.
	wmu sync.Mutex

	// Receive reassembly state, owned by the receive loop.
	rbuf    []byte
	roff    int
	rloaded int

	// Handshake state.
	isServer bool
	keys     *secure.KeyAgreement
	hsDone   chan struct{}
	hsOnce   sync.Once
	hsErr    error

	// Ping state.
	pingSentAt   atomic.Int64
	lastSent     atomic.Int64
	lastReceived atomic.Int64
	responseTime atomic.Int64
	pingsOut     atomic.Int32

	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64

	hmu          sync.RWMutex
	msgHandlers  []tempest.MessageHandler
	sentHandlers []tempest.MessageHandler
	discHandlers []tempest.DisconnectHandler
}

var _ tempest.Connection = (*Conn)(nil)

func newConn(protocols protocol.Map, opts config.Options, pool *wire.Pool, isServer bool) *Conn {
	opts.ApplyDefaults()
	if pool == nil {
		pool = wire.NewPool(opts.BufferLimit)
	}
	id := uuid.New()
	c := &Conn{
		id:         id,
		opts:       opts,
		pool:       pool,
		logger:     log.With().Str("com", "stream").Str("conn_id", id.String()).Logger(),
		protocols:  protocols,
		serializer: protocol.NewSerializer(protocols, protocol.DefaultTypes, opts.MaxMessageLength),
		readDone:   make(chan struct{}),
		closeCh:    make(chan struct{}),
		torndown:   make(chan struct{}),
		hsDone:     make(chan struct{}),
		isServer:   isServer,
		rbuf:       make([]byte, receiveBufferSize),
	}
	c.state.Store(int32(tempest.Connecting))
	return c
}

// start takes ownership of sock and begins the receive loop. The caller
// (dialer or provider) decides whether a handshake gate applies.
func (c *Conn) start(sock net.Conn) {
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	if c.protocols.RequiresHandshake() {
		c.setState(tempest.Handshaking)
	} else {
		c.finishHandshake(nil)
	}

	go c.receiveLoop()
	if c.opts.PingInterval > 0 {
		c.ops.Add(1)
		go c.pingLoop()
	}
}

func (c *Conn) setState(s tempest.State) {
	c.state.Store(int32(s))
}

// State returns the current lifecycle state.
func (c *Conn) State() tempest.State {
	return tempest.State(c.state.Load())
}

// IsConnected reports whether the connection is fully established.
func (c *Conn) IsConnected() bool {
	return c.State() == tempest.Connected
}

// Protocols returns the negotiated application protocols.
func (c *Conn) Protocols() []*protocol.Protocol {
	return c.protocols.List()
}

// RemoteAddr returns the peer address, or nil before connect.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	return c.sock.RemoteAddr()
}

// ResponseTime is the last measured ping round trip.
func (c *Conn) ResponseTime() time.Duration {
	return time.Duration(c.responseTime.Load())
}

// PendingAsync exposes the in-flight async operation count.
func (c *Conn) PendingAsync() int64 {
	return c.pendingAsync.Load()
}

// OnMessage registers a handler for received application messages.
func (c *Conn) OnMessage(h tempest.MessageHandler) {
	c.hmu.Lock()
	c.msgHandlers = append(c.msgHandlers, h)
	c.hmu.Unlock()
}

// OnSent registers a handler fired after a send completes.
func (c *Conn) OnSent(h tempest.MessageHandler) {
	c.hmu.Lock()
	c.sentHandlers = append(c.sentHandlers, h)
	c.hmu.Unlock()
}

// OnDisconnected registers a handler for the terminal event.
func (c *Conn) OnDisconnected(h tempest.DisconnectHandler) {
	c.hmu.Lock()
	c.discHandlers = append(c.discHandlers, h)
	c.hmu.Unlock()
}

// acquire counts an async operation before it is submitted; release
// balances it in the completion path. Teardown waits on the balance.
func (c *Conn) acquire() {
	c.pendingAsync.Add(1)
	c.ops.Add(1)
}

func (c *Conn) release() {
	c.pendingAsync.Add(-1)
	c.ops.Done()
}

// Send frames msg and writes it to the socket. It returns once the bytes
// are handed off. Sends race disconnects safely: after teardown begins
// the submit point rejects with ErrNotConnected.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := c.pool.Get()
	defer c.pool.Put(w)

	var header protocol.MessageHeader
	if err := c.serializer.Encode(w, msg, &header); err != nil {
		return err
	}

	c.mu.Lock()
	sock := c.sock
	if sock == nil || c.disconnecting {
		c.mu.Unlock()
		return tempest.ErrNotConnected
	}
	c.acquire()
	c.mu.Unlock()

	c.wmu.Lock()
	n, err := sock.Write(w.Bytes())
	c.wmu.Unlock()
	c.lastSent.Store(time.Now().UnixNano())
	c.release()

	if err != nil {
		c.disconnectAsync(protocol.ReasonConnectionFailed, "")
		return fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}

	c.bytesSent.Add(uint64(n))
	c.messagesSent.Add(1)
	if !protocol.IsTempestMessage(msg) {
		c.raiseSent(&tempest.MessageEvent{Connection: c, Message: msg, Header: &header})
	}
	return nil
}

// receiveLoop owns the receive buffer: it reads, reassembles frames, and
// dispatches them until the socket dies.
func (c *Conn) receiveLoop() {
	defer close(c.readDone)
	for {
		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock == nil {
			return
		}

		if c.roff+c.rloaded == len(c.rbuf) {
			c.compact()
		}

		n, err := sock.Read(c.rbuf[c.roff+c.rloaded:])
		if n > 0 {
			c.rloaded += n
			c.bytesReceived.Add(uint64(n))
			c.lastReceived.Store(time.Now().UnixNano())
			if derr := c.bufferMessages(); derr != nil {
				c.logger.Debug().Err(derr).Msg("frame decode failed")
				c.disconnectAsync(protocol.ReasonForError(derr), "")
				return
			}
		}
		if err != nil || n == 0 {
			c.mu.Lock()
			requested := c.disconnecting
			c.mu.Unlock()
			if !requested {
				c.disconnectAsync(protocol.ReasonConnectionFailed, "")
			}
			return
		}
	}
}

// compact moves the unconsumed tail to the buffer start, growing the
// buffer when a frame cannot fit at all.
func (c *Conn) compact() {
	if c.roff > 0 {
		copy(c.rbuf, c.rbuf[c.roff:c.roff+c.rloaded])
		c.roff = 0
	}
	if c.rloaded == len(c.rbuf) {
		grown := make([]byte, len(c.rbuf)*2)
		copy(grown, c.rbuf[:c.rloaded])
		c.rbuf = grown
	}
}

// bufferMessages drains every complete frame currently buffered.
func (c *Conn) bufferMessages() error {
	for {
		header, status, err := c.serializer.ReadHeader(c.rbuf, c.roff, c.rloaded)
		if err != nil {
			return err
		}
		switch status {
		case protocol.StatusReady:
			frame := c.rbuf[c.roff : c.roff+header.MessageLength]
			if err := c.serializer.DecodePayload(frame, header); err != nil {
				return err
			}
			c.roff += header.MessageLength
			c.rloaded -= header.MessageLength
			c.deliver(header)
		case protocol.StatusDropped:
			c.roff += header.MessageLength
			c.rloaded -= header.MessageLength
		case protocol.StatusNeedMore:
			c.compact()
			return nil
		}
	}
}

func (c *Conn) deliver(header *protocol.MessageHeader) {
	msg := header.Message
	if protocol.IsTempestMessage(msg) {
		c.handleTempest(msg)
		return
	}
	c.messagesReceived.Add(1)
	c.raiseMessage(&tempest.MessageEvent{Connection: c, Message: msg, Header: header})
}

func (c *Conn) handleTempest(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		_ = c.Send(context.Background(), &protocol.Pong{})
	case *protocol.Pong:
		if sentAt := c.pingSentAt.Load(); sentAt != 0 {
			c.responseTime.Store(time.Now().UnixNano() - sentAt)
		}
		c.pingsOut.Store(0)
	case *protocol.Disconnect:
		c.disconnectAsync(m.Reason, m.CustomReason)
	case *protocol.HandshakeHello:
		c.acceptHello(m)
	case *protocol.HandshakeReply:
		c.acceptReply(m)
	}
}

// acceptHello is the listener side of key agreement.
func (c *Conn) acceptHello(m *protocol.HandshakeHello) {
	keys, err := secure.NewKeyAgreement()
	if err != nil {
		c.failHandshake(err)
		return
	}
	if err := c.Send(context.Background(), &protocol.HandshakeReply{PublicKey: keys.PublicKey()}); err != nil {
		c.failHandshake(err)
		return
	}
	envelope, err := keys.DeriveEnvelope(m.PublicKey, c.opts.SigningHash)
	if err != nil {
		c.failHandshake(err)
		return
	}
	c.serializer.SetSealer(envelope)
	c.logger.Debug().Str("client_id", m.ClientID.String()).Msg("handshake complete")
	c.finishHandshake(nil)
}

// acceptReply is the dialer side of key agreement.
func (c *Conn) acceptReply(m *protocol.HandshakeReply) {
	if c.keys == nil {
		c.failHandshake(fmt.Errorf("unsolicited handshake reply"))
		return
	}
	envelope, err := c.keys.DeriveEnvelope(m.PublicKey, c.opts.SigningHash)
	if err != nil {
		c.failHandshake(err)
		return
	}
	c.serializer.SetSealer(envelope)
	c.finishHandshake(nil)
}

func (c *Conn) finishHandshake(err error) {
	c.hsOnce.Do(func() {
		c.hsErr = err
		if err == nil {
			c.setState(tempest.Connected)
		}
		close(c.hsDone)
	})
}

func (c *Conn) failHandshake(err error) {
	c.finishHandshake(err)
	c.disconnectAsync(protocol.ReasonFailedHandshake, "")
}

// sendHello begins key agreement from the dialer side.
func (c *Conn) sendHello(ctx context.Context) error {
	keys, err := secure.NewKeyAgreement()
	if err != nil {
		return err
	}
	c.keys = keys
	return c.Send(ctx, &protocol.HandshakeHello{ClientID: c.id, PublicKey: keys.PublicKey()})
}

// waitHandshake blocks until key agreement resolves or ctx ends.
func (c *Conn) waitHandshake(ctx context.Context) error {
	select {
	case <-c.hsDone:
		return c.hsErr
	case <-ctx.Done():
		c.disconnectAsync(protocol.ReasonFailedHandshake, "")
		return ctx.Err()
	}
}

func (c *Conn) pingLoop() {
	defer c.ops.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			if c.pingsOut.Add(1) > maxPingsOut {
				c.disconnectAsync(protocol.ReasonConnectionFailed, "ping timeout")
				return
			}
			c.pingSentAt.Store(time.Now().UnixNano())
			_ = c.Send(context.Background(), &protocol.Ping{})
		}
	}
}

// Disconnect closes gracefully and waits for teardown to finish.
func (c *Conn) Disconnect(ctx context.Context) error {
	return c.DisconnectWithReason(ctx, protocol.ReasonRequested, "")
}

// DisconnectWithReason announces the reason to the peer (best effort),
// then tears down and waits for in-flight operations to drain.
func (c *Conn) DisconnectWithReason(ctx context.Context, reason protocol.DisconnectReason, custom string) error {
	c.mu.Lock()
	closing := c.disconnecting
	c.mu.Unlock()
	if !closing && c.IsConnected() {
		_ = c.Send(ctx, &protocol.Disconnect{Reason: reason, CustomReason: custom})
	}
	c.disconnect(reason, custom)
	select {
	case <-c.torndown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is the synchronous barrier: it does not return until every
// in-flight callback has completed and pendingAsync reads zero.
func (c *Conn) Close() error {
	c.disconnect(protocol.ReasonRequested, "")
	<-c.torndown
	return nil
}

// disconnectAsync is the internal error path; it never blocks the caller.
func (c *Conn) disconnectAsync(reason protocol.DisconnectReason, custom string) {
	c.disconnect(reason, custom)
}

// disconnect starts teardown exactly once; later calls are no-ops that
// leave the first observed reason in place.
func (c *Conn) disconnect(reason protocol.DisconnectReason, custom string) {
	c.mu.Lock()
	if c.disconnecting {
		c.mu.Unlock()
		return
	}
	c.disconnecting = true
	c.reason = reason
	c.customReason = custom
	c.setState(tempest.Disconnecting)
	sock := c.sock
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })
	go c.teardown(sock)
}

func (c *Conn) teardown(sock net.Conn) {
	if sock != nil {
		// Closing the socket unblocks the receive loop; a connection
		// that never started has no loop to wait for.
		_ = sock.Close()
		<-c.readDone
	}
	c.ops.Wait()

	c.recycle()
	c.setState(tempest.Disconnected)
	c.finishHandshake(tempest.ErrClosed)

	c.mu.Lock()
	reason, custom := c.reason, c.customReason
	c.mu.Unlock()
	c.logger.Debug().
		Str("reason", reason.String()).
		Uint64("messages_sent", c.messagesSent.Load()).
		Uint64("messages_received", c.messagesReceived.Load()).
		Msg("disconnected")
	c.raiseDisconnected(&tempest.DisconnectEvent{Connection: c, Reason: reason, CustomReason: custom})
	close(c.torndown)
}

// recycle releases per-connection resources after the loops have drained.
func (c *Conn) recycle() {
	c.mu.Lock()
	c.sock = nil
	c.mu.Unlock()
	c.rbuf = nil
	c.roff, c.rloaded = 0, 0
	c.keys = nil
	c.serializer.SetSealer(nil)
}

func (c *Conn) raiseMessage(ev *tempest.MessageEvent) {
	c.hmu.RLock()
	handlers := c.msgHandlers
	c.hmu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Conn) raiseSent(ev *tempest.MessageEvent) {
	c.hmu.RLock()
	handlers := c.sentHandlers
	c.hmu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Conn) raiseDisconnected(ev *tempest.DisconnectEvent) {
	c.hmu.RLock()
	handlers := c.discHandlers
	c.hmu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
