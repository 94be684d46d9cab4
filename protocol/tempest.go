package protocol

import (
	"github.com/google/uuid"

	"github.com/tempest-io/tempest/wire"
)

// Message types of the internal control protocol.
const (
	pingType uint16 = iota + 1
	pongType
	disconnectType
	acknowledgeType
	helloType
	helloReplyType
)

// Tempest is the internal control protocol. It is registered on every
// connection under the reserved id 1.
var Tempest = New(TempestProtocolID, 1)

func init() {
	Tempest.Register(pingType, func() Message { return &Ping{} })
	Tempest.Register(pongType, func() Message { return &Pong{} })
	Tempest.Register(disconnectType, func() Message { return &Disconnect{} })
	Tempest.Register(acknowledgeType, func() Message { return &Acknowledge{} })
	Tempest.Register(helloType, func() Message { return &HandshakeHello{} })
	Tempest.Register(helloReplyType, func() Message { return &HandshakeReply{} })
}

// TempestMessage marks internal control messages. They are invisible to
// MessageSent listeners and never enter the retransmission map.
type TempestMessage interface {
	Message
	tempestMessage()
}

// IsTempestMessage reports whether m belongs to the internal protocol.
func IsTempestMessage(m Message) bool {
	_, ok := m.(TempestMessage)
	return ok
}

type tempestBase struct{}

func (tempestBase) ProtocolID() byte { return TempestProtocolID }
func (tempestBase) tempestMessage()  {}

// Ping probes the peer; the response time is measured off the Pong.
type Ping struct{ tempestBase }

func (*Ping) Type() uint16 { return pingType }
func (*Ping) Flags() Flags { return Flags{} }

func (*Ping) WritePayload(_ *Context, _ *wire.Writer) error { return nil }
func (*Ping) ReadPayload(_ *Context, _ *wire.Reader) error  { return nil }

// Pong answers a Ping.
type Pong struct{ tempestBase }

func (*Pong) Type() uint16 { return pongType }
func (*Pong) Flags() Flags { return Flags{} }

func (*Pong) WritePayload(_ *Context, _ *wire.Writer) error { return nil }
func (*Pong) ReadPayload(_ *Context, _ *wire.Reader) error  { return nil }

// Disconnect announces a close with its reason.
type Disconnect struct {
	tempestBase
	Reason       DisconnectReason
	CustomReason string
}

func (*Disconnect) Type() uint16 { return disconnectType }
func (*Disconnect) Flags() Flags { return Flags{PreferReliable: true} }

func (m *Disconnect) WritePayload(_ *Context, w *wire.Writer) error {
	w.WriteUint8(byte(m.Reason))
	w.WriteString(m.CustomReason)
	return nil
}

func (m *Disconnect) ReadPayload(_ *Context, r *wire.Reader) error {
	reason, err := r.ReadUint8()
	if err != nil {
		return err
	}
	m.Reason = DisconnectReason(reason)
	m.CustomReason, err = r.ReadString()
	return err
}

// Acknowledge confirms receipt of a reliable datagram message.
// It must never itself be reliable.
type Acknowledge struct {
	tempestBase
	MessageID uint32
}

func (*Acknowledge) Type() uint16 { return acknowledgeType }
func (*Acknowledge) Flags() Flags { return Flags{} }

func (m *Acknowledge) WritePayload(_ *Context, w *wire.Writer) error {
	w.WriteUint32(m.MessageID)
	return nil
}

func (m *Acknowledge) ReadPayload(_ *Context, r *wire.Reader) error {
	var err error
	m.MessageID, err = r.ReadUint32()
	return err
}

// HandshakeHello opens key agreement: the dialer's identity and its
// ephemeral X25519 public key.
type HandshakeHello struct {
	tempestBase
	ClientID  uuid.UUID
	PublicKey []byte
}

func (*HandshakeHello) Type() uint16 { return helloType }
func (*HandshakeHello) Flags() Flags { return Flags{MustBeReliable: true} }

func (m *HandshakeHello) WritePayload(_ *Context, w *wire.Writer) error {
	w.WriteRaw(m.ClientID[:])
	w.WriteBytes(m.PublicKey)
	return nil
}

func (m *HandshakeHello) ReadPayload(_ *Context, r *wire.Reader) error {
	id, err := r.ReadRaw(16)
	if err != nil {
		return err
	}
	copy(m.ClientID[:], id)
	m.PublicKey, err = r.ReadBytes()
	return err
}

// HandshakeReply completes key agreement with the listener's ephemeral
// public key.
type HandshakeReply struct {
	tempestBase
	PublicKey []byte
}

func (*HandshakeReply) Type() uint16 { return helloReplyType }
func (*HandshakeReply) Flags() Flags { return Flags{MustBeReliable: true} }

func (m *HandshakeReply) WritePayload(_ *Context, w *wire.Writer) error {
	w.WriteBytes(m.PublicKey)
	return nil
}

func (m *HandshakeReply) ReadPayload(_ *Context, r *wire.Reader) error {
	var err error
	m.PublicKey, err = r.ReadBytes()
	return err
}
