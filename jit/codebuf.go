package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrCodeBufferFull reports that the JIT buffer has no room for another
// translation. The execution engine recovers by flushing everything and
// retrying.
var ErrCodeBufferFull = errors.New("jit: code buffer full")

// CodeBuffer is the shared executable memory region all generated code lives
// in. Emission is serialized by the engine's translate lock; patching and
// execution read the buffer lock-free. Patches are 4-byte-aligned atomic
// stores to previously written code.
type CodeBuffer struct {
	buf []byte
	off int
}

// NewCodeBuffer maps an executable buffer of the given size.
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	buf, err := mmapCodeBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("jit: failed to map code buffer: %w", err)
	}
	return &CodeBuffer{buf: buf}, nil
}

// Close unmaps the buffer.
func (b *CodeBuffer) Close() error {
	if b.buf == nil {
		return nil
	}
	err := munmapCodeBuffer(b.buf)
	b.buf = nil
	return err
}

// Offset returns the current write cursor.
func (b *CodeBuffer) Offset() int { return b.off }

// Capacity returns the total buffer size.
func (b *CodeBuffer) Capacity() int { return len(b.buf) }

// Remaining returns the free bytes past the cursor.
func (b *CodeBuffer) Remaining() int { return len(b.buf) - b.off }

// Reset rewinds the cursor to off, discarding everything after it.
func (b *CodeBuffer) Reset(off int) { b.off = off }

// Base returns the host address of the buffer start.
func (b *CodeBuffer) Base() uintptr { return uintptr(unsafe.Pointer(&b.buf[0])) }

// PtrAt returns the host address of the byte at off.
func (b *CodeBuffer) PtrAt(off int) uintptr { return b.Base() + uintptr(off) }

func (b *CodeBuffer) need(n int) {
	if b.off+n > len(b.buf) {
		panic(ErrCodeBufferFull)
	}
}

// Emit8 appends one byte.
func (b *CodeBuffer) Emit8(v uint8) {
	b.need(1)
	b.buf[b.off] = v
	b.off++
}

// Emit16 appends a little-endian 16-bit value.
func (b *CodeBuffer) Emit16(v uint16) {
	b.need(2)
	binary.LittleEndian.PutUint16(b.buf[b.off:], v)
	b.off += 2
}

// Emit32 appends a little-endian 32-bit value.
func (b *CodeBuffer) Emit32(v uint32) {
	b.need(4)
	binary.LittleEndian.PutUint32(b.buf[b.off:], v)
	b.off += 4
}

// Emit64 appends a little-endian 64-bit value.
func (b *CodeBuffer) Emit64(v uint64) {
	b.need(8)
	binary.LittleEndian.PutUint64(b.buf[b.off:], v)
	b.off += 8
}

// EmitBytes appends raw bytes.
func (b *CodeBuffer) EmitBytes(data []byte) {
	b.need(len(data))
	copy(b.buf[b.off:], data)
	b.off += len(data)
}

// Patch32 overwrites 4 bytes at off. Used for label back-patching during
// translation, before the code is published.
func (b *CodeBuffer) Patch32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:], v)
}

// AtomicPatch32 overwrites 4 bytes at off with a single aligned store.
// off must be 4-byte aligned; goto_tb emission pads to guarantee that for
// every chainable displacement field.
func (b *CodeBuffer) AtomicPatch32(off int, v uint32) {
	if off&3 != 0 {
		panic(fmt.Sprintf("jit: unaligned atomic patch at %#x", off))
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.buf[off])), v)
}

// Read32 reads the little-endian 32-bit value at off.
func (b *CodeBuffer) Read32(off int) uint32 {
	return binary.LittleEndian.Uint32(b.buf[off:])
}

// Bytes returns the written portion of the buffer.
func (b *CodeBuffer) Bytes() []byte { return b.buf[:b.off] }
