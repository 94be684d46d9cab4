// Package tempest is a message-oriented networking runtime. Processes
// exchange strongly-typed, versioned messages over reliable (stream) and
// unreliable (datagram) transports, with optional end-to-end
// authentication and confidentiality negotiated by handshake.
//
// The stream and datagram subpackages provide the two connection kinds;
// the server subpackage dispatches inbound traffic to handlers; protocol
// defines messages and the wire format.
package tempest

import (
	"context"
	"net"
	"time"

	"github.com/tempest-io/tempest/protocol"
)

// State is the connection lifecycle variant.
type State int32

const (
	Connecting State = iota
	Handshaking
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// Connection is one live peer link, stream or datagram.
type Connection interface {
	// IsConnected reports whether the connection is in the Connected
	// state (handshake complete, not closing).
	IsConnected() bool
	// State returns the current lifecycle state.
	State() State
	// Protocols returns the application protocols negotiated on this
	// connection.
	Protocols() []*protocol.Protocol
	// RemoteAddr returns the peer address, or nil before connect.
	RemoteAddr() net.Addr
	// ResponseTime is the last measured ping round trip.
	ResponseTime() time.Duration

	// Send frames and transmits msg. It returns once the bytes are
	// handed to the socket.
	Send(ctx context.Context, msg protocol.Message) error
	// Disconnect closes gracefully and blocks until all in-flight
	// operations have drained.
	Disconnect(ctx context.Context) error
	// DisconnectWithReason is Disconnect carrying an explicit reason.
	DisconnectWithReason(ctx context.Context, reason protocol.DisconnectReason, custom string) error

	// OnMessage registers a handler for received application messages.
	OnMessage(MessageHandler)
	// OnSent registers a handler fired after a send completes. Internal
	// control messages never fire it.
	OnSent(MessageHandler)
	// OnDisconnected registers a handler for the terminal event. It
	// fires exactly once, with the first observed reason.
	OnDisconnected(DisconnectHandler)
}

// ClientConnection is a connection the local process dials.
type ClientConnection interface {
	Connection
	// Connect dials target and blocks until the connection reaches
	// Connected, including any required handshake.
	Connect(ctx context.Context, target string) error
}

// ConnectionProvider accepts inbound connections for a server.
type ConnectionProvider interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// OnConnectionMade registers a handler for accepted connections.
	OnConnectionMade(ConnectionHandler)
	// OnConnectionless registers a handler for messages that arrive
	// outside any established connection. Stream providers never fire
	// it.
	OnConnectionless(MessageHandler)
}
