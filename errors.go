package tempest

import "errors"

var (
	// ErrNotConnected is returned by Send on a connection that has no
	// transport yet or has begun disconnecting.
	ErrNotConnected = errors.New("tempest: not connected")

	// ErrConnectionFailed covers transport-level dial and I/O errors.
	ErrConnectionFailed = errors.New("tempest: connection failed")

	// ErrRequiresReliable is returned by SendFor when the message type
	// carries neither reliability flag.
	ErrRequiresReliable = errors.New("tempest: message must be flagged reliable")

	// ErrResponseType is returned by typed response helpers when the
	// peer answered with an unexpected message type.
	ErrResponseType = errors.New("tempest: response has unexpected type")

	// ErrClosed is returned when an operation races a completed
	// disconnect.
	ErrClosed = errors.New("tempest: connection closed")
)
