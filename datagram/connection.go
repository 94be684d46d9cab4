package datagram

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

// scratchSize is the initial encode buffer; the writer grows on demand
// for larger frames.
const scratchSize = 2048

// maxPingsOut is how many unanswered pings the scheduler tolerates.
const maxPingsOut = 3

// pendingSend is one unacknowledged reliable message awaiting either an
// Acknowledge or a resend.
type pendingSend struct {
	sentAt time.Time
	msg    protocol.Message
}

// Conn is a message connection over an unreliable datagram transport.
// Reliable-flagged messages get monotonically increasing ids, are
// acknowledged by the peer, retransmitted on timeout, and delivered to
// handlers in id order.
type Conn struct {
	id     uuid.UUID
	opts   config.Options
	logger zerolog.Logger

	protocols  protocol.Map
	serializer *protocol.Serializer

	// stateSync: guards write, disconnecting, and the stashed reason.
	mu             sync.Mutex
	write          func([]byte) (int, error)
	closeTransport func() error
	disconnecting  bool
	reason         protocol.DisconnectReason
	customReason   string

	remote net.Addr

	state        atomic.Int32
	pendingAsync atomic.Int64
	ops          sync.WaitGroup
	readDone     chan struct{} // nil for provider-owned connections
	closeCh      chan struct{}
	closeOnce    sync.Once
	torndown     chan struct{}

	// smu serializes the scratch encode buffer and the datagram write so
	// a frame is always submitted exactly as encoded.
	smu     sync.Mutex
	scratch *wire.Writer

	nextReliableID atomic.Uint32
	nextMessageID  atomic.Uint32

	amu        sync.Mutex
	pendingAck map[uint32]*pendingSend

	rmu       sync.Mutex
	responses map[uint32]chan protocol.Message

	queue *receiveQueue

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

func newConn(protocols protocol.Map, opts config.Options, isServer bool) *Conn {
	opts.ApplyDefaults()
	id := uuid.New()
	serializer := protocol.NewSerializer(protocols, protocol.DefaultTypes, opts.MaxMessageLength)
	serializer.IncludeHeaderID(true)
	c := &Conn{
		id:         id,
		opts:       opts,
		logger:     log.With().Str("com", "datagram").Str("conn_id", id.String()).Logger(),
		protocols:  protocols,
		serializer: serializer,
		closeCh:    make(chan struct{}),
		torndown:   make(chan struct{}),
		hsDone:     make(chan struct{}),
		scratch:    wire.NewWriter(scratchSize),
		pendingAck: make(map[uint32]*pendingSend),
		responses:  make(map[uint32]chan protocol.Message),
		queue:      newReceiveQueue(),
		isServer:   isServer,
	}
	c.state.Store(int32(tempest.Connecting))
	return c
}

// start wires the transport and begins the background loops.
func (c *Conn) start(write func([]byte) (int, error), remote net.Addr, closeTransport func() error) {
	c.mu.Lock()
	c.write = write
	c.closeTransport = closeTransport
	c.mu.Unlock()
	c.remote = remote
	c.setState(tempest.Handshaking)

	c.ops.Add(1)
	go c.resendLoop()
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

// IsConnected reports whether key agreement has completed and the
// connection is live.
func (c *Conn) IsConnected() bool {
	return c.State() == tempest.Connected
}

// Protocols returns the negotiated application protocols.
func (c *Conn) Protocols() []*protocol.Protocol {
	return c.protocols.List()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// ResponseTime is the last measured ping round trip.
func (c *Conn) ResponseTime() time.Duration {
	return time.Duration(c.responseTime.Load())
}

// PendingAsync exposes the in-flight async operation count.
func (c *Conn) PendingAsync() int64 {
	return c.pendingAsync.Load()
}

// PendingAckCount reports the number of unacknowledged reliable messages.
func (c *Conn) PendingAckCount() int {
	c.amu.Lock()
	defer c.amu.Unlock()
	return len(c.pendingAck)
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

func (c *Conn) acquire() {
	c.pendingAsync.Add(1)
	c.ops.Add(1)
}

func (c *Conn) release() {
	c.pendingAsync.Add(-1)
	c.ops.Done()
}

// Send transmits msg as one datagram. Reliable-flagged messages are
// tracked for acknowledgement and retransmission.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	return c.sendCore(ctx, msg, false, 0, nil)
}

// SendResponse answers a received message: the frame reuses the original
// message id with the response bit set so the peer can correlate it.
func (c *Conn) SendResponse(ctx context.Context, to *tempest.MessageEvent, msg protocol.Message) error {
	if to == nil || to.Header == nil {
		return fmt.Errorf("datagram: response target has no header")
	}
	return c.sendCore(ctx, msg, true, to.Header.MessageID, nil)
}

// SendFor transmits a reliable message and blocks until the peer answers
// with a response frame carrying the same message id, the timeout lapses
// (zero means none), or the connection closes.
func (c *Conn) SendFor(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if !msg.Flags().Reliable() {
		return nil, tempest.ErrRequiresReliable
	}
	future := make(chan protocol.Message, 1)
	id, err := c.sendFuture(ctx, msg, future)
	if err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case m, ok := <-future:
		if !ok {
			return nil, tempest.ErrClosed
		}
		return m, nil
	case <-timer:
		c.dropResponse(id)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		c.dropResponse(id)
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, tempest.ErrClosed
	}
}

// SendFor is the typed variant of Conn.SendFor: it fails with
// ErrResponseType when the peer answers with something other than T.
func SendFor[T protocol.Message](ctx context.Context, c *Conn, msg protocol.Message, timeout time.Duration) (T, error) {
	var zero T
	m, err := c.SendFor(ctx, msg, timeout)
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, tempest.ErrResponseType
	}
	return t, nil
}

func (c *Conn) sendFuture(ctx context.Context, msg protocol.Message, future chan protocol.Message) (uint32, error) {
	return c.send(ctx, msg, false, 0, future)
}

func (c *Conn) sendCore(ctx context.Context, msg protocol.Message, isResponse bool, respTo uint32, future chan protocol.Message) error {
	_, err := c.send(ctx, msg, isResponse, respTo, future)
	return err
}

func (c *Conn) send(ctx context.Context, msg protocol.Message, isResponse bool, respTo uint32, future chan protocol.Message) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	flags := msg.Flags()

	c.mu.Lock()
	write := c.write
	if write == nil || c.disconnecting {
		c.mu.Unlock()
		return 0, tempest.ErrNotConnected
	}
	c.acquire()
	c.mu.Unlock()

	var id uint32
	switch {
	case isResponse:
		id = respTo
	case flags.Reliable():
		id = c.nextReliableID.Add(1)
	default:
		id = c.nextMessageID.Add(1)
	}

	if future != nil {
		c.rmu.Lock()
		c.responses[id] = future
		c.rmu.Unlock()
	}

	header := protocol.MessageHeader{MessageID: id, IsResponse: isResponse}
	c.smu.Lock()
	c.scratch.Reset()
	err := c.serializer.Encode(c.scratch, msg, &header)
	var n int
	if err == nil {
		n, err = write(c.scratch.Bytes())
	}
	c.smu.Unlock()
	c.lastSent.Store(time.Now().UnixNano())
	c.release()

	if err != nil {
		c.dropResponse(id)
		c.mu.Lock()
		closing := c.disconnecting
		c.mu.Unlock()
		if closing {
			// Sends racing teardown are swallowed: the socket going away
			// is the expected outcome, not a new failure.
			return id, tempest.ErrClosed
		}
		c.disconnectAsync(protocol.ReasonConnectionFailed, "")
		return id, fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}

	c.bytesSent.Add(uint64(n))
	c.messagesSent.Add(1)

	if flags.Reliable() && !protocol.IsTempestMessage(msg) {
		c.amu.Lock()
		c.pendingAck[id] = &pendingSend{sentAt: time.Now(), msg: msg}
		c.amu.Unlock()
	}
	if !protocol.IsTempestMessage(msg) {
		c.raiseSent(&tempest.MessageEvent{Connection: c, Message: msg, Header: &header})
	}
	return id, nil
}

// receive processes one inbound datagram: decode, acknowledge, order,
// route. Truncated or unknown frames are dropped; decode failures
// disconnect.
func (c *Conn) receive(data []byte) {
	header, status, err := c.serializer.ReadHeader(data, 0, len(data))
	if err != nil {
		c.logger.Debug().Err(err).Msg("datagram decode failed")
		c.disconnectAsync(protocol.ReasonForError(err), "")
		return
	}
	if status != protocol.StatusReady {
		return
	}
	if err := c.serializer.DecodePayload(data[:header.MessageLength], header); err != nil {
		c.logger.Debug().Err(err).Msg("datagram payload decode failed")
		c.disconnectAsync(protocol.ReasonForError(err), "")
		return
	}

	c.lastReceived.Store(time.Now().UnixNano())
	c.bytesReceived.Add(uint64(header.MessageLength))

	msg := header.Message
	ev := &tempest.MessageEvent{Connection: c, Message: msg, Header: header}

	if header.MessageID != 0 && msg.Flags().Reliable() {
		isControl := protocol.IsTempestMessage(msg)
		if !isControl {
			c.sendAck(header.MessageID)
		}
		for _, ready := range c.queue.Enqueue(header.MessageID, ev) {
			c.route(ready)
		}
		if isControl {
			// Acknowledge after the queue has observed the id so the
			// peer never sees an ack for a message still out of order.
			c.sendAck(header.MessageID)
		}
		return
	}
	c.route(ev)
}

func (c *Conn) sendAck(id uint32) {
	_ = c.sendCore(context.Background(), &protocol.Acknowledge{MessageID: id}, false, 0, nil)
}

func (c *Conn) route(ev *tempest.MessageEvent) {
	if protocol.IsTempestMessage(ev.Message) {
		c.handleTempest(ev.Message)
		return
	}
	c.messagesReceived.Add(1)
	c.raiseMessage(ev)
	if ev.Header.IsResponse {
		c.completeResponse(ev.Header.MessageID, ev.Message)
	}
}

func (c *Conn) completeResponse(id uint32, msg protocol.Message) {
	c.rmu.Lock()
	future, ok := c.responses[id]
	if ok {
		delete(c.responses, id)
	}
	c.rmu.Unlock()
	if ok {
		future <- msg
	}
}

func (c *Conn) dropResponse(id uint32) {
	c.rmu.Lock()
	delete(c.responses, id)
	c.rmu.Unlock()
}

func (c *Conn) handleTempest(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Acknowledge:
		c.amu.Lock()
		delete(c.pendingAck, m.MessageID)
		c.amu.Unlock()
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

func (c *Conn) sendHello(ctx context.Context) error {
	keys, err := secure.NewKeyAgreement()
	if err != nil {
		return err
	}
	c.keys = keys
	return c.Send(ctx, &protocol.HandshakeHello{ClientID: c.id, PublicKey: keys.PublicKey()})
}

func (c *Conn) waitHandshake(ctx context.Context) error {
	select {
	case <-c.hsDone:
		return c.hsErr
	case <-ctx.Done():
		c.disconnectAsync(protocol.ReasonFailedHandshake, "")
		return ctx.Err()
	}
}

// resendLoop retransmits every pendingAck entry older than the resend
// interval, preserving message ids.
func (c *Conn) resendLoop() {
	defer c.ops.Done()
	ticker := time.NewTicker(c.opts.ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.resendPending()
		}
	}
}

func (c *Conn) resendPending() {
	now := time.Now()
	type stale struct {
		id  uint32
		msg protocol.Message
	}
	var stales []stale
	c.amu.Lock()
	for id, p := range c.pendingAck {
		if now.Sub(p.sentAt) >= c.opts.ResendInterval {
			p.sentAt = now
			stales = append(stales, stale{id, p.msg})
		}
	}
	c.amu.Unlock()

	for _, s := range stales {
		c.resend(s.id, s.msg)
	}
}

// resend re-encodes and resubmits one frame. The header is already
// populated, so the message id does not change.
func (c *Conn) resend(id uint32, msg protocol.Message) {
	c.mu.Lock()
	write := c.write
	c.mu.Unlock()
	if write == nil {
		return
	}
	header := protocol.MessageHeader{MessageID: id}
	c.smu.Lock()
	defer c.smu.Unlock()
	c.scratch.Reset()
	if err := c.serializer.Encode(c.scratch, msg, &header); err != nil {
		c.logger.Warn().Err(err).Uint32("message_id", id).Msg("resend encode failed")
		return
	}
	if _, err := write(c.scratch.Bytes()); err != nil {
		c.logger.Debug().Err(err).Uint32("message_id", id).Msg("resend failed")
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
// in-flight operation has completed and pendingAsync reads zero.
func (c *Conn) Close() error {
	c.disconnect(protocol.ReasonRequested, "")
	<-c.torndown
	return nil
}

func (c *Conn) disconnectAsync(reason protocol.DisconnectReason, custom string) {
	c.disconnect(reason, custom)
}

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
	closeTransport := c.closeTransport
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })
	go c.teardown(closeTransport)
}

func (c *Conn) teardown(closeTransport func() error) {
	if closeTransport != nil {
		_ = closeTransport()
	}
	if c.readDone != nil {
		<-c.readDone
	}
	c.ops.Wait()

	c.cleanup()
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

// cleanup drains the reliability state: buffered out-of-order messages,
// the retransmission map, and every outstanding response future.
func (c *Conn) cleanup() {
	c.mu.Lock()
	c.write = nil
	c.closeTransport = nil
	c.mu.Unlock()

	c.queue.Clear()

	c.amu.Lock()
	c.pendingAck = make(map[uint32]*pendingSend)
	c.amu.Unlock()

	c.rmu.Lock()
	for id, future := range c.responses {
		close(future)
		delete(c.responses, id)
	}
	c.rmu.Unlock()

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
