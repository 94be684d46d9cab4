package tempest

import "github.com/tempest-io/tempest/protocol"

// MessageEvent describes one received (or sent) message.
type MessageEvent struct {
	Connection Connection
	Message    protocol.Message
	Header     *protocol.MessageHeader
}

// ConnectionEvent announces a newly made connection.
type ConnectionEvent struct {
	Connection Connection
}

// DisconnectEvent is the terminal event of a connection.
type DisconnectEvent struct {
	Connection   Connection
	Reason       protocol.DisconnectReason
	CustomReason string
}

// Handler signatures for the capability registration API.
type (
	MessageHandler    func(*MessageEvent)
	ConnectionHandler func(*ConnectionEvent)
	DisconnectHandler func(*DisconnectEvent)
)
