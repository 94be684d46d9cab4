package protocol

import (
	"fmt"
	"sync"

	"github.com/tempest-io/tempest/wire"
)

// BaseHeaderLength is the fixed frame prefix: protocol id (1), message
// type (2), length word (4).
const BaseHeaderLength = 7

// DefaultMaxMessageLength caps frames at 1 MiB.
const DefaultMaxMessageLength = 1 << 20

// Sealer is the symmetric crypto envelope a connection installs once key
// agreement completes. Encrypt pads and encrypts the writer's tail in
// place and inserts the IV at headerLength; Decrypt returns a fresh
// plaintext buffer.
type Sealer interface {
	IVLength() int
	Overhead() int
	Encrypt(w *wire.Writer, headerLength int) error
	Decrypt(ciphertext, iv []byte) ([]byte, error)
	Sign(data []byte) []byte
	Verify(data, sig []byte) bool
}

// Status is the outcome of attempting to read a frame header.
type Status int

const (
	// StatusReady means a complete frame is buffered and the header was
	// decoded.
	StatusReady Status = iota
	// StatusNeedMore means the buffer does not yet hold a full frame.
	StatusNeedMore
	// StatusDropped means a complete frame was consumed but produced no
	// message: its protocol or message type is unknown here.
	StatusDropped
)

// Serializer frames and unframes messages for one connection.
//
// Frame layout, all little-endian:
//
//	+0  u8   protocolId
//	+1  u16  messageType
//	+3  u32  (messageLength << 1) | hasTypeTable
//	+7  [u32 (messageId << 1) | isResponse]  datagram connections only
//	+?  [u16 numTypes, numTypes x string]    iff hasTypeTable
//	+?  [iv bytes]                           iff message is encrypted
//	+?  payload
//	+?  [hmac tag]                           iff message is authenticated
//
// messageLength is the total frame length including the tag.
type Serializer struct {
	protocols        Map
	types            *TypeRegistry
	maxMessageLength int
	includeHeaderID  bool

	mu     sync.RWMutex
	sealer Sealer
}

// NewSerializer creates a serializer over the given protocol table.
func NewSerializer(protocols Map, types *TypeRegistry, maxMessageLength int) *Serializer {
	if maxMessageLength <= 0 {
		maxMessageLength = DefaultMaxMessageLength
	}
	return &Serializer{
		protocols:        protocols,
		types:            types,
		maxMessageLength: maxMessageLength,
	}
}

// IncludeHeaderID switches the serializer into datagram mode, where every
// frame carries the message id word after the base header.
func (s *Serializer) IncludeHeaderID(on bool) {
	s.includeHeaderID = on
}

// SetSealer installs the crypto envelope. Safe to call while the receive
// path is running.
func (s *Serializer) SetSealer(sealer Sealer) {
	s.mu.Lock()
	s.sealer = sealer
	s.mu.Unlock()
}

// Sealer returns the installed envelope, or nil before key agreement.
func (s *Serializer) Sealer() Sealer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealer
}

// MaxMessageLength returns the frame length cap.
func (s *Serializer) MaxMessageLength() int {
	return s.maxMessageLength
}

func bit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Encode frames msg into w, which must be reset. The header's MessageID
// and IsResponse fields are consumed in datagram mode; the remaining
// fields are populated on return.
func (s *Serializer) Encode(w *wire.Writer, msg Message, header *MessageHeader) error {
	proto, ok := s.protocols.Get(msg.ProtocolID())
	if !ok {
		return fmt.Errorf("encode: no protocol with id %d", msg.ProtocolID())
	}
	flags := msg.Flags()

	w.WriteUint8(proto.ID())
	w.WriteUint16(msg.Type())
	lengthPos := w.Len()
	w.Pad(4)

	headerLength := BaseHeaderLength
	if s.includeHeaderID {
		w.WriteUint32(header.MessageID<<1 | bit(header.IsResponse))
		headerLength += 4
	}

	ctx := NewContext(s.types)
	if err := msg.WritePayload(ctx, w); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	hasTypes := ctx.HasTypes()
	if hasTypes {
		table := wire.NewWriter(64)
		ctx.writeTable(table)
		w.InsertBytes(headerLength, table.Bytes(), 0, table.Len())
		headerLength += table.Len()
	}

	sealer := s.Sealer()
	if flags.Encrypted {
		if sealer == nil {
			return ErrNoKeys
		}
		if err := sealer.Encrypt(w, headerLength); err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		headerLength += sealer.IVLength()
	}
	if flags.Authenticated {
		if sealer == nil {
			return ErrNoKeys
		}
		w.WriteRaw(sealer.Sign(w.Bytes()[headerLength:]))
	}

	total := w.Len()
	if total > s.maxMessageLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)
	}
	w.PutUint32(lengthPos, uint32(total)<<1|bit(hasTypes))

	header.Protocol = proto
	header.Message = msg
	header.MessageLength = total
	header.HeaderLength = headerLength
	header.Context = ctx
	return nil
}

// ReadHeader attempts to decode a frame header from buf[offset:] holding
// remaining loaded bytes. It never advances past the header boundary of
// an incomplete frame: StatusNeedMore means call again with more bytes.
// StatusDropped frames are complete and must be skipped by their
// MessageLength. Errors mean the stream is unrecoverable.
func (s *Serializer) ReadHeader(buf []byte, offset, remaining int) (*MessageHeader, Status, error) {
	if remaining < BaseHeaderLength {
		return nil, StatusNeedMore, nil
	}
	r := wire.NewReader(buf[offset : offset+remaining])
	protoID, _ := r.ReadUint8()
	msgType, _ := r.ReadUint16()
	word, _ := r.ReadUint32()

	hasTypes := word&1 == 1
	length := int(word >> 1)
	if length < BaseHeaderLength {
		return nil, StatusNeedMore, fmt.Errorf("%w: impossible length %d", ErrMalformedFrame, length)
	}
	if length > s.maxMessageLength {
		return nil, StatusNeedMore, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}
	if remaining < length {
		return nil, StatusNeedMore, nil
	}

	header := &MessageHeader{MessageLength: length, HeaderLength: BaseHeaderLength}

	// Re-bound the reader to the frame now that it is fully buffered.
	r = wire.NewReader(buf[offset : offset+length])
	_ = r.Skip(BaseHeaderLength)

	if s.includeHeaderID {
		idWord, err := r.ReadUint32()
		if err != nil {
			return nil, StatusNeedMore, fmt.Errorf("%w: truncated id word", ErrMalformedFrame)
		}
		header.MessageID = idWord >> 1
		header.IsResponse = idWord&1 == 1
		header.HeaderLength += 4
	}

	proto, ok := s.protocols.Get(protoID)
	if !ok {
		return header, StatusDropped, nil
	}
	msg := proto.Create(msgType)
	if msg == nil {
		return header, StatusDropped, nil
	}

	ctx := NewContext(s.types)
	if hasTypes {
		before := r.Position()
		if err := ctx.readTable(r); err != nil {
			return nil, StatusNeedMore, fmt.Errorf("%w: type table: %v", ErrMalformedFrame, err)
		}
		header.HeaderLength += r.Position() - before
	}

	if msg.Flags().Encrypted {
		sealer := s.Sealer()
		if sealer == nil {
			return nil, StatusNeedMore, fmt.Errorf("%w: encrypted frame before handshake", ErrMalformedFrame)
		}
		iv, err := r.ReadRaw(sealer.IVLength())
		if err != nil {
			return nil, StatusNeedMore, fmt.Errorf("%w: truncated iv", ErrMalformedFrame)
		}
		header.IV = iv
		header.HeaderLength += len(iv)
	}

	header.Protocol = proto
	header.Message = msg
	header.Context = ctx
	return header, StatusReady, nil
}

// DecodePayload verifies, decrypts, and deserializes the payload of a
// frame whose header ReadHeader returned as StatusReady. frame must span
// the full MessageLength bytes.
func (s *Serializer) DecodePayload(frame []byte, header *MessageHeader) error {
	body := frame[header.HeaderLength:header.MessageLength]
	flags := header.Message.Flags()
	sealer := s.Sealer()

	if flags.Authenticated {
		if sealer == nil {
			return ErrNoKeys
		}
		tagLen := sealer.Overhead()
		if len(body) < tagLen {
			return fmt.Errorf("%w: frame shorter than tag", ErrMalformedFrame)
		}
		sig := body[len(body)-tagLen:]
		body = body[:len(body)-tagLen]
		if !sealer.Verify(body, sig) {
			return ErrAuthenticationFailed
		}
	}
	if flags.Encrypted {
		plain, err := sealer.Decrypt(body, header.IV)
		if err != nil {
			return fmt.Errorf("%w: decrypt: %v", ErrMalformedFrame, err)
		}
		body = plain
	}

	if err := header.Message.ReadPayload(header.Context, wire.NewReader(body)); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return nil
}
