package stream

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
	"github.com/tempest-io/tempest/secure"
	"github.com/tempest-io/tempest/wire"
)

// TestMain ensures no goroutine leaks across all tests in this package.
// quic-go keeps some background machinery alive process-wide.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/quic-go/quic-go.(*packetHandlerMap).runCloseQueue"),
		goleak.IgnoreTopFunction("github.com/quic-go/quic-go.(*Transport).runSendQueue"),
		goleak.IgnoreTopFunction("github.com/quic-go/quic-go.(*connection).run"),
	)
}

const sProtoID byte = 30

const (
	sMsgType uint16 = iota + 1
	sReplyType
	sSecretType
)

type sMsg struct {
	Text string
}

func (*sMsg) ProtocolID() byte      { return sProtoID }
func (*sMsg) Type() uint16          { return sMsgType }
func (*sMsg) Flags() protocol.Flags { return protocol.Flags{} }

func (m *sMsg) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteString(m.Text)
	return nil
}

func (m *sMsg) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

type sReply struct {
	Text string
}

func (*sReply) ProtocolID() byte      { return sProtoID }
func (*sReply) Type() uint16          { return sReplyType }
func (*sReply) Flags() protocol.Flags { return protocol.Flags{} }

func (m *sReply) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteString(m.Text)
	return nil
}

func (m *sReply) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

type sSecret struct {
	Text string
}

func (*sSecret) ProtocolID() byte { return sProtoID }
func (*sSecret) Type() uint16     { return sSecretType }
func (*sSecret) Flags() protocol.Flags {
	return protocol.Flags{Encrypted: true, Authenticated: true}
}

func (m *sSecret) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteString(m.Text)
	return nil
}

func (m *sSecret) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

func sProtocol() *protocol.Protocol {
	p := protocol.New(sProtoID, 1)
	p.Register(sMsgType, func() protocol.Message { return &sMsg{} })
	p.Register(sReplyType, func() protocol.Message { return &sReply{} })
	p.Register(sSecretType, func() protocol.Message { return &sSecret{} })
	return p
}

func sMap(t *testing.T, handshake bool) protocol.Map {
	t.Helper()
	p := sProtocol()
	if handshake {
		p.RequireHandshake()
	}
	m, err := protocol.NewMap(p)
	require.NoError(t, err)
	return m
}

// pipePair wires two connections over an in-memory duplex pipe.
func pipePair(t *testing.T, opts config.Options) (*Conn, *Conn) {
	t.Helper()
	a := newConn(sMap(t, false), opts, nil, false)
	b := newConn(sMap(t, false), opts, nil, true)
	ca, cb := net.Pipe()
	a.start(ca)
	b.start(cb)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestSendReceiveOverPipe(t *testing.T) {
	a, b := pipePair(t, config.Options{})

	got := make(chan string, 1)
	b.OnMessage(func(ev *tempest.MessageEvent) {
		got <- ev.Message.(*sMsg).Text
	})

	require.NoError(t, a.Send(context.Background(), &sMsg{Text: "over the pipe"}))
	select {
	case text := <-got:
		assert.Equal(t, "over the pipe", text)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestPartialFrameReassembly(t *testing.T) {
	raw, peer := net.Pipe()
	c := newConn(sMap(t, false), config.Options{}, nil, true)
	c.start(peer)
	t.Cleanup(func() {
		_ = c.Close()
		_ = raw.Close()
	})

	got := make(chan string, 1)
	c.OnMessage(func(ev *tempest.MessageEvent) {
		got <- ev.Message.(*sMsg).Text
	})

	s := protocol.NewSerializer(sMap(t, false), protocol.DefaultTypes, 0)
	w := wire.NewWriter(128)
	var header protocol.MessageHeader
	require.NoError(t, s.Encode(w, &sMsg{Text: "dribbled in"}, &header))
	frame := w.Bytes()

	// Feed the frame three bytes at a time.
	for off := 0; off < len(frame); off += 3 {
		end := off + 3
		if end > len(frame) {
			end = len(frame)
		}
		_, err := raw.Write(frame[off:end])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	select {
	case text := <-got:
		assert.Equal(t, "dribbled in", text)
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled message never arrived")
	}
}

func TestReceiveBufferGrowth(t *testing.T) {
	a, b := pipePair(t, config.Options{})

	big := strings.Repeat("x", 3*receiveBufferSize)
	got := make(chan string, 1)
	b.OnMessage(func(ev *tempest.MessageEvent) {
		got <- ev.Message.(*sMsg).Text
	})

	require.NoError(t, a.Send(context.Background(), &sMsg{Text: big}))
	select {
	case text := <-got:
		assert.Equal(t, big, text)
	case <-time.After(5 * time.Second):
		t.Fatal("oversized message never arrived")
	}
}

func TestOversizeFrameDisconnects(t *testing.T) {
	raw, peer := net.Pipe()
	c := newConn(sMap(t, false), config.Options{}, nil, true)
	c.start(peer)
	t.Cleanup(func() {
		_ = c.Close()
		_ = raw.Close()
	})

	disc := make(chan *tempest.DisconnectEvent, 1)
	c.OnDisconnected(func(ev *tempest.DisconnectEvent) { disc <- ev })

	// A frame claiming 2,000,000 bytes: past the 1 MiB cap.
	w := wire.NewWriter(16)
	w.WriteUint8(sProtoID)
	w.WriteUint16(sMsgType)
	w.WriteUint32(uint32(2_000_000) << 1)
	_, err := raw.Write(w.Bytes())
	require.NoError(t, err)

	select {
	case ev := <-disc:
		assert.Equal(t, protocol.ReasonMessageTooLarge, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("oversize frame did not disconnect")
	}
}

func TestHandshakeThenEncryptedMessage(t *testing.T) {
	a := newConn(sMap(t, true), config.Options{}, nil, false)
	b := newConn(sMap(t, true), config.Options{}, nil, true)
	ca, cb := net.Pipe()
	a.start(ca)
	b.start(cb)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	require.Equal(t, tempest.Handshaking, a.State())

	got := make(chan string, 1)
	b.OnMessage(func(ev *tempest.MessageEvent) {
		got <- ev.Message.(*sSecret).Text
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.sendHello(ctx))
	require.NoError(t, a.waitHandshake(ctx))
	require.NoError(t, b.waitHandshake(ctx))
	require.True(t, a.IsConnected())

	require.NoError(t, a.Send(ctx, &sSecret{Text: "sealed and signed"}))
	select {
	case text := <-got:
		assert.Equal(t, "sealed and signed", text)
	case <-time.After(2 * time.Second):
		t.Fatal("encrypted message never arrived")
	}
}

func TestTamperedCiphertextDisconnects(t *testing.T) {
	raw, peer := net.Pipe()
	c := newConn(sMap(t, false), config.Options{}, nil, true)

	// Install agreed keys on both the connection and the test's encoder.
	ka, err := secure.NewKeyAgreement()
	require.NoError(t, err)
	kb, err := secure.NewKeyAgreement()
	require.NoError(t, err)
	envA, err := ka.DeriveEnvelope(kb.PublicKey(), "SHA256")
	require.NoError(t, err)
	envB, err := kb.DeriveEnvelope(ka.PublicKey(), "SHA256")
	require.NoError(t, err)
	c.serializer.SetSealer(envB)

	c.start(peer)
	t.Cleanup(func() {
		_ = c.Close()
		_ = raw.Close()
	})

	handled := atomic.Bool{}
	c.OnMessage(func(*tempest.MessageEvent) { handled.Store(true) })
	disc := make(chan *tempest.DisconnectEvent, 1)
	c.OnDisconnected(func(ev *tempest.DisconnectEvent) { disc <- ev })

	s := protocol.NewSerializer(sMap(t, false), protocol.DefaultTypes, 0)
	s.SetSealer(envA)
	w := wire.NewWriter(128)
	var header protocol.MessageHeader
	require.NoError(t, s.Encode(w, &sSecret{Text: "integrity"}, &header))
	frame := w.Bytes()
	frame[header.HeaderLength] ^= 0x01 // first ciphertext byte

	_, err = raw.Write(frame)
	require.NoError(t, err)

	select {
	case ev := <-disc:
		assert.Equal(t, protocol.ReasonMessageAuthenticationFailed, ev.Reason)
		assert.False(t, handled.Load(), "no handler may observe a tampered message")
	case <-time.After(2 * time.Second):
		t.Fatal("tampered frame did not disconnect")
	}
}

func TestUnknownProtocolFramesSkipped(t *testing.T) {
	raw, peer := net.Pipe()
	c := newConn(sMap(t, false), config.Options{}, nil, true)
	c.start(peer)
	t.Cleanup(func() {
		_ = c.Close()
		_ = raw.Close()
	})

	got := make(chan string, 1)
	c.OnMessage(func(ev *tempest.MessageEvent) {
		got <- ev.Message.(*sMsg).Text
	})

	// An unknown-protocol frame followed by a valid one: the first is
	// silently consumed, the second delivered.
	s := protocol.NewSerializer(sMap(t, false), protocol.DefaultTypes, 0)
	w := wire.NewWriter(128)
	var header protocol.MessageHeader
	require.NoError(t, s.Encode(w, &sMsg{Text: "skipme"}, &header))
	unknown := append([]byte(nil), w.Bytes()...)
	unknown[0] = 99

	w2 := wire.NewWriter(128)
	require.NoError(t, s.Encode(w2, &sMsg{Text: "keepme"}, &header))

	_, err := raw.Write(append(unknown, w2.Bytes()...))
	require.NoError(t, err)

	select {
	case text := <-got:
		assert.Equal(t, "keepme", text)
	case <-time.After(2 * time.Second):
		t.Fatal("frame after dropped frame never arrived")
	}
}

func TestPingPongResponseTime(t *testing.T) {
	a, _ := pipePair(t, config.Options{PingInterval: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		return a.ResponseTime() > 0
	}, 2*time.Second, 10*time.Millisecond, "pong should set the response time")
	assert.LessOrEqual(t, a.pingsOut.Load(), int32(1))
}

func TestMessageSentSuppressedForControl(t *testing.T) {
	a, _ := pipePair(t, config.Options{})

	var count atomic.Int32
	a.OnSent(func(*tempest.MessageEvent) { count.Add(1) })

	require.NoError(t, a.Send(context.Background(), &protocol.Ping{}))
	require.NoError(t, a.Send(context.Background(), &sMsg{Text: "counted"}))

	assert.Equal(t, int32(1), count.Load())
}

func TestPendingAsyncConvergesOnClose(t *testing.T) {
	a, b := pipePair(t, config.Options{})
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(context.Background(), &sMsg{Text: "x"}))
	}
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Zero(t, a.PendingAsync())
	assert.Zero(t, b.PendingAsync())
	assert.Equal(t, tempest.Disconnected, a.State())
}

func TestSendAfterCloseFails(t *testing.T) {
	a, _ := pipePair(t, config.Options{})
	require.NoError(t, a.Close())
	err := a.Send(context.Background(), &sMsg{Text: "late"})
	assert.ErrorIs(t, err, tempest.ErrNotConnected)
}

func TestDisconnectedRaisedOnce(t *testing.T) {
	a, b := pipePair(t, config.Options{})

	var count atomic.Int32
	a.OnDisconnected(func(*tempest.DisconnectEvent) { count.Add(1) })

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return a.State() == tempest.Disconnected
	}, 2*time.Second, 10*time.Millisecond)

	// A second close request is a no-op.
	require.NoError(t, a.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}
