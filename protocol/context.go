package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/tempest-io/tempest/wire"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownValueTag  = errors.New("protocol: unknown value tag")
	ErrUnregisteredType = errors.New("protocol: value type not registered")
)

// TypeRegistry maps stable string tags to constructors for polymorphic
// payload values. Names must be deterministic and version-stable: they are
// what travels in the per-frame type table.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() interface{}
	names     map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]func() interface{}),
		names:     make(map[reflect.Type]string),
	}
}

// DefaultTypes is the process-wide registry used when a serializer is not
// given its own.
var DefaultTypes = NewTypeRegistry()

// Register binds a stable name to a constructor. The constructor must
// return a pointer so decoded values can be unmarshaled in place.
func (r *TypeRegistry) Register(name string, factory func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.names[reflect.TypeOf(factory())] = name
}

func (r *TypeRegistry) nameOf(v interface{}) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[reflect.TypeOf(v)]
	return name, ok
}

func (r *TypeRegistry) create(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Value tags for Context.WriteValue / ReadValue.
const (
	tagBool byte = iota + 1
	tagUint8
	tagInt32
	tagInt64
	tagUint32
	tagUint64
	tagFloat32
	tagFloat64
	tagString
	tagBytes
	tagTyped
)

// Context is the per-message serialization context. It owns the dynamic
// type table: a compact remapping of registered type names to u16 ids
// valid for this message only. The table is populated on encode when a
// payload writes a non-built-in value and transmitted inline in the frame
// header so the decoder can resolve the opposite direction.
type Context struct {
	types     *TypeRegistry
	idsByName map[string]uint16
	namesByID []string
}

// NewContext creates a context with an empty type table.
func NewContext(types *TypeRegistry) *Context {
	if types == nil {
		types = DefaultTypes
	}
	return &Context{types: types, idsByName: make(map[string]uint16)}
}

// HasTypes reports whether any types were registered during encode.
func (c *Context) HasTypes() bool {
	return len(c.namesByID) > 0
}

func (c *Context) typeID(name string) uint16 {
	if id, ok := c.idsByName[name]; ok {
		return id
	}
	id := uint16(len(c.namesByID))
	c.idsByName[name] = id
	c.namesByID = append(c.namesByID, name)
	return id
}

// writeTable serializes the type table: u16 count then count names.
func (c *Context) writeTable(w *wire.Writer) {
	w.WriteUint16(uint16(len(c.namesByID)))
	for _, name := range c.namesByID {
		w.WriteString(name)
	}
}

// readTable deserializes the type table populated by the encoder.
func (c *Context) readTable(r *wire.Reader) error {
	count, err := r.ReadUint16()
	if err != nil {
		return err
	}
	c.namesByID = make([]string, count)
	for i := range c.namesByID {
		name, err := r.ReadString()
		if err != nil {
			return err
		}
		c.namesByID[i] = name
		c.idsByName[name] = uint16(i)
	}
	return nil
}

// WriteValue serializes a value whose concrete type may only be known at
// runtime. Built-ins are written directly; anything else must be
// registered in the type registry and is serialized by name.
func (c *Context) WriteValue(w *wire.Writer, v interface{}) error {
	switch t := v.(type) {
	case bool:
		w.WriteUint8(tagBool)
		w.WriteBool(t)
	case byte:
		w.WriteUint8(tagUint8)
		w.WriteUint8(t)
	case int32:
		w.WriteUint8(tagInt32)
		w.WriteInt32(t)
	case int64:
		w.WriteUint8(tagInt64)
		w.WriteInt64(t)
	case uint32:
		w.WriteUint8(tagUint32)
		w.WriteUint32(t)
	case uint64:
		w.WriteUint8(tagUint64)
		w.WriteUint64(t)
	case float32:
		w.WriteUint8(tagFloat32)
		w.WriteFloat32(t)
	case float64:
		w.WriteUint8(tagFloat64)
		w.WriteFloat64(t)
	case string:
		w.WriteUint8(tagString)
		w.WriteString(t)
	case []byte:
		w.WriteUint8(tagBytes)
		w.WriteBytes(t)
	default:
		name, ok := c.types.nameOf(v)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnregisteredType, v)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		w.WriteUint8(tagTyped)
		w.WriteUint16(c.typeID(name))
		w.WriteBytes(data)
	}
	return nil
}

// ReadValue deserializes a value written by WriteValue.
func (c *Context) ReadValue(r *wire.Reader) (interface{}, error) {
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagBool:
		return r.ReadBool()
	case tagUint8:
		return r.ReadUint8()
	case tagInt32:
		return r.ReadInt32()
	case tagInt64:
		return r.ReadInt64()
	case tagUint32:
		return r.ReadUint32()
	case tagUint64:
		return r.ReadUint64()
	case tagFloat32:
		return r.ReadFloat32()
	case tagFloat64:
		return r.ReadFloat64()
	case tagString:
		return r.ReadString()
	case tagBytes:
		return r.ReadBytes()
	case tagTyped:
		id, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if int(id) >= len(c.namesByID) {
			return nil, fmt.Errorf("%w: id %d out of range", ErrUnregisteredType, id)
		}
		name := c.namesByID[id]
		v, ok := c.types.create(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnregisteredType, name)
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownValueTag, tag)
	}
}
