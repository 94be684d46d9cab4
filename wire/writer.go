package wire

import "encoding/binary"

// DefaultWriterSize is the initial capacity of a Writer when none is given.
const DefaultWriterSize = 1024

// Writer is a typed cursor over a growable byte buffer. All integers are
// written little-endian; strings and byte slices are length-prefixed with
// a uint32 byte count. The backing array doubles on overflow.
type Writer struct {
	buf []byte
	pos int
}

// NewWriter creates a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultWriterSize
	}
	return &Writer{buf: make([]byte, capacity)}
}

// ensure grows the backing array until n more bytes fit past the cursor.
func (w *Writer) ensure(n int) {
	need := w.pos + n
	if need <= len(w.buf) {
		return
	}
	size := len(w.buf) * 2
	if size == 0 {
		size = DefaultWriterSize
	}
	for size < need {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, w.buf[:w.pos])
	w.buf = grown
}

// Bytes returns the written prefix of the backing array. The slice is only
// valid until the next write.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.pos]
}

// Len returns the current cursor position.
func (w *Writer) Len() int {
	return w.pos
}

// Cap returns the capacity of the backing array.
func (w *Writer) Cap() int {
	return len(w.buf)
}

// Reset rewinds the cursor without releasing the backing array.
func (w *Writer) Reset() {
	w.pos = 0
}

// Truncate discards everything past position n.
func (w *Writer) Truncate(n int) {
	if n < 0 || n > w.pos {
		return
	}
	w.pos = n
}

// Pad advances the cursor by n zero bytes without writing payload.
func (w *Writer) Pad(n int) {
	w.ensure(n)
	for i := 0; i < n; i++ {
		w.buf[w.pos+i] = 0
	}
	w.pos += n
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v byte) {
	w.ensure(1)
	w.buf[w.pos] = v
	w.pos++
}

// WriteBool appends a bool as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WriteUint16 appends v little-endian.
func (w *Writer) WriteUint16(v uint16) {
	w.ensure(2)
	binary.LittleEndian.PutUint16(w.buf[w.pos:], v)
	w.pos += 2
}

// WriteUint32 appends v little-endian.
func (w *Writer) WriteUint32(v uint32) {
	w.ensure(4)
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

// WriteUint64 appends v little-endian.
func (w *Writer) WriteUint64(v uint64) {
	w.ensure(8)
	binary.LittleEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
}

// WriteInt16 appends v little-endian.
func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

// WriteInt32 appends v little-endian.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteInt64 appends v little-endian.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteFloat32 appends the IEEE 754 bits of v little-endian.
func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(floatBits32(v))
}

// WriteFloat64 appends the IEEE 754 bits of v little-endian.
func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(floatBits64(v))
}

// WriteString appends s as a uint32 byte count followed by UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.ensure(len(s))
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// WriteBytes appends b as a uint32 byte count followed by the raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteRaw(b)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.ensure(len(b))
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
}

// PutUint32 patches a little-endian uint32 at an already-written offset.
func (w *Writer) PutUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:], v)
}

// InsertBytes shifts the content at offset right by n and copies
// src[srcOffset:srcOffset+n] into the gap. The cursor advances by n.
func (w *Writer) InsertBytes(offset int, src []byte, srcOffset, n int) {
	w.ensure(n)
	copy(w.buf[offset+n:w.pos+n], w.buf[offset:w.pos])
	copy(w.buf[offset:], src[srcOffset:srcOffset+n])
	w.pos += n
}
