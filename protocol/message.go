package protocol

import "github.com/tempest-io/tempest/wire"

// Flags are static properties of a message type, not of an instance.
type Flags struct {
	// Encrypted payloads are sealed with the connection's symmetric key.
	Encrypted bool
	// Authenticated payloads carry a trailing HMAC tag.
	Authenticated bool
	// MustBeReliable requests retransmit-on-loss and ordered delivery on
	// unreliable transports.
	MustBeReliable bool
	// PreferReliable requests the same when the transport supports it.
	PreferReliable bool
}

// Reliable reports whether either reliability flag is set.
func (f Flags) Reliable() bool {
	return f.MustBeReliable || f.PreferReliable
}

// Message is one strongly-typed unit of traffic. Implementations declare
// which protocol they belong to and serialize their own payload.
type Message interface {
	// ProtocolID names the protocol the message type belongs to.
	ProtocolID() byte
	// Type is the message type id, unique within the protocol.
	Type() uint16
	// Flags returns the message type's static wire properties.
	Flags() Flags
	// WritePayload serializes the payload into w.
	WritePayload(ctx *Context, w *wire.Writer) error
	// ReadPayload deserializes the payload from r.
	ReadPayload(ctx *Context, r *wire.Reader) error
}

// MessageHeader carries the decoded frame prefix alongside the message.
// On reliable transports it is recomputed during decode; on datagram
// transports the id word is part of the wire format.
type MessageHeader struct {
	Protocol      *Protocol
	Message       Message
	MessageLength int
	HeaderLength  int
	Context       *Context
	IV            []byte
	MessageID     uint32
	IsResponse    bool
}
