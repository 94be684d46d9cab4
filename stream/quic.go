package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/config"
	"github.com/tempest-io/tempest/protocol"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "tempest/1"

// quicConn adapts one bidirectional QUIC stream to net.Conn so the
// regular connection machinery can run over it unchanged.
type quicConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (q *quicConn) Read(b []byte) (int, error)  { return q.stream.Read(b) }
func (q *quicConn) Write(b []byte) (int, error) { return q.stream.Write(b) }

// Close releases both directions; quic.Stream.Close only closes the send
// side, so the read side is cancelled explicitly to unblock the receive
// loop. The owning connection goes down with its only stream.
func (q *quicConn) Close() error {
	q.stream.CancelRead(0)
	err := q.stream.Close()
	_ = q.conn.CloseWithError(0, "closed")
	return err
}

func (q *quicConn) LocalAddr() net.Addr                { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr               { return q.conn.RemoteAddr() }
func (q *quicConn) SetDeadline(t time.Time) error      { return q.stream.SetDeadline(t) }
func (q *quicConn) SetReadDeadline(t time.Time) error  { return q.stream.SetReadDeadline(t) }
func (q *quicConn) SetWriteDeadline(t time.Time) error { return q.stream.SetWriteDeadline(t) }

// DialQUIC connects to a QUIC provider and opens the message stream.
func DialQUIC(ctx context.Context, target string, tlsConf *tls.Config, protocols []*protocol.Protocol, opts *config.Options) (*Client, error) {
	c, err := NewClient(protocols, opts)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	conn, err := quic.DialAddr(ctx, target, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("%w: %v", tempest.ErrConnectionFailed, err)
	}
	if err := c.connectWith(ctx, &quicConn{stream: stream, conn: conn}); err != nil {
		return nil, err
	}
	return c, nil
}

// quicListener adapts a QUIC listener: each accepted connection's first
// bidirectional stream becomes one message connection.
type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return &quicConn{stream: stream, conn: conn}, nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

// NewQUICProvider creates a provider accepting Tempest streams over QUIC.
func NewQUICProvider(addr string, tlsConf *tls.Config, protocols []*protocol.Protocol, opts *config.Options) (*Provider, error) {
	p, err := newProvider(addr, protocols, opts)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	p.listen = func() (listener, error) {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, err
		}
		tr := &quic.Transport{Conn: udpConn}
		ln, err := tr.Listen(tlsConf, nil)
		if err != nil {
			_ = udpConn.Close()
			return nil, err
		}
		return &quicListener{ln: ln}, nil
	}
	p.logger = p.logger.With().Str("transport", "quic").Logger()
	return p, nil
}
