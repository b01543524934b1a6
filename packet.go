package drowsynet

import (
	"encoding"
	"fmt"
	"sync/atomic"
)

// Payload is the capability every outbound message body must provide:
// it reports its length and exposes its bytes.
//
// The returned slice must stay valid, and must not be mutated, for as long
// as the owning Packet is referenced by any connection queue.
type Payload interface {
	Len() int
	Bytes() []byte
}

// Buffer is the alternate capability naming used by serialized message types
// that expose Size/Data instead of Len/Bytes. Wrap it with BufferAdapter.
type Buffer interface {
	Size() int
	Data() []byte
}

// Bytes adapts a byte slice to Payload.
type Bytes []byte

// Len implements Payload.
func (b Bytes) Len() int { return len(b) }

// Bytes implements Payload.
func (b Bytes) Bytes() []byte { return b }

// String adapts a string to Payload without copying it.
type String string

// Len implements Payload.
func (s String) Len() int { return len(s) }

// Bytes implements Payload. It copies; a Packet calls it once at construction.
func (s String) Bytes() []byte { return []byte(s) }

// BufferAdapter adapts a Buffer to Payload.
type BufferAdapter struct {
	Buffer Buffer
}

// Len implements Payload.
func (a BufferAdapter) Len() int { return a.Buffer.Size() }

// Bytes implements Payload.
func (a BufferAdapter) Bytes() []byte { return a.Buffer.Data() }

// Packet is an immutable, shareable container for one outbound message.
//
// Design rationale:
//   - One Packet can sit in many connection queues at once (broadcast) without copying
//   - Each queue entry holds a reference; the creator holds the first one
//   - When the last reference is released the optional release hook runs,
//     which lets applications recycle pooled buffers
//
// A Packet whose creator never calls Release is simply reclaimed by the GC.
type Packet struct {
	payload Payload
	data    []byte
	refs    atomic.Int32
	release func()
}

// NewPacket wraps payload in a new Packet holding one reference.
func NewPacket(payload Payload) *Packet {
	return NewPacketWithRelease(payload, nil)
}

// NewPacketWithRelease is like NewPacket but runs release once the last
// reference is dropped.
func NewPacketWithRelease(payload Payload, release func()) *Packet {
	if payload == nil {
		payload = Bytes(nil)
	}
	p := &Packet{
		payload: payload,
		data:    payload.Bytes(),
		release: release,
	}
	p.refs.Store(1)
	return p
}

// NewBytesPacket takes ownership of b. The caller must not modify b afterwards.
func NewBytesPacket(b []byte) *Packet {
	return NewPacket(Bytes(b))
}

// CopyBytesPacket copies b into a new Packet.
func CopyBytesPacket(b []byte) *Packet {
	cp := make([]byte, len(b))
	copy(cp, b)
	return NewPacket(Bytes(cp))
}

// NewStringPacket wraps s in a new Packet.
func NewStringPacket(s string) *Packet {
	return NewPacket(String(s))
}

// NewMarshaledPacket serializes m once and wraps the result.
func NewMarshaledPacket(m encoding.BinaryMarshaler) (*Packet, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	return NewPacket(Bytes(data)), nil
}

// Len returns the payload length in bytes.
func (p *Packet) Len() int {
	return len(p.data)
}

// Bytes returns the payload bytes. The slice must not be modified.
func (p *Packet) Bytes() []byte {
	return p.data
}

// Payload returns the wrapped payload.
func (p *Packet) Payload() Payload {
	return p.payload
}

// Retain adds a reference.
func (p *Packet) Retain() {
	p.refs.Add(1)
}

// Release drops a reference and runs the release hook when it was the last one.
// Releasing more references than were taken panics.
func (p *Packet) Release() {
	n := p.refs.Add(-1)
	switch {
	case n == 0:
		if p.release != nil {
			p.release()
		}
	case n < 0:
		panic("drowsynet: packet released more times than retained")
	}
}

// Refs returns the current reference count.
func (p *Packet) Refs() int32 {
	return p.refs.Load()
}
