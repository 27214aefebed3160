// Package memory provides atomic access to byte regions shared between
// processes, and the memory-mapped files they live in.
package memory

import (
	"sync/atomic"
	"unsafe"
)

// Buffer wraps a byte region, typically a slice of a memory-mapped file, and
// exposes plain and atomic accessors at 32-bit and 64-bit granularity. Atomic
// accessors require naturally aligned offsets; mapped regions are page aligned
// so layout constants keep fields aligned by construction.
//
// Volatile reads and ordered writes pair up as acquire/release: a reader that
// observes a value written by PutInt64Ordered also observes every write the
// writer made before it.
type Buffer struct {
	data []byte
}

// NewBuffer wraps data without copying.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Capacity returns the region length in bytes.
func (b *Buffer) Capacity() int32 {
	return int32(len(b.data))
}

// Range returns the sub-slice [offset, offset+length). The caller may read or
// write it directly; ordering is the caller's concern.
func (b *Buffer) Range(offset, length int32) []byte {
	return b.data[offset : offset+length]
}

func (b *Buffer) ptr(offset int32) unsafe.Pointer {
	return unsafe.Pointer(&b.data[offset])
}

// GetUint8 reads a byte.
func (b *Buffer) GetUint8(offset int32) uint8 {
	return b.data[offset]
}

// PutUint8 writes a byte.
func (b *Buffer) PutUint8(offset int32, value uint8) {
	b.data[offset] = value
}

// GetInt16 reads a little-endian int16 without ordering.
func (b *Buffer) GetInt16(offset int32) int16 {
	return *(*int16)(b.ptr(offset))
}

// PutInt16 writes a little-endian int16 without ordering.
func (b *Buffer) PutInt16(offset int32, value int16) {
	*(*int16)(b.ptr(offset)) = value
}

// GetInt32 reads an int32 without ordering.
func (b *Buffer) GetInt32(offset int32) int32 {
	return *(*int32)(b.ptr(offset))
}

// PutInt32 writes an int32 without ordering.
func (b *Buffer) PutInt32(offset int32, value int32) {
	*(*int32)(b.ptr(offset)) = value
}

// GetInt64 reads an int64 without ordering.
func (b *Buffer) GetInt64(offset int32) int64 {
	return *(*int64)(b.ptr(offset))
}

// PutInt64 writes an int64 without ordering.
func (b *Buffer) PutInt64(offset int32, value int64) {
	*(*int64)(b.ptr(offset)) = value
}

// GetInt32Volatile reads an int32 with acquire semantics.
func (b *Buffer) GetInt32Volatile(offset int32) int32 {
	return atomic.LoadInt32((*int32)(b.ptr(offset)))
}

// PutInt32Ordered writes an int32 with release semantics.
func (b *Buffer) PutInt32Ordered(offset int32, value int32) {
	atomic.StoreInt32((*int32)(b.ptr(offset)), value)
}

// GetInt64Volatile reads an int64 with acquire semantics.
func (b *Buffer) GetInt64Volatile(offset int32) int64 {
	return atomic.LoadInt64((*int64)(b.ptr(offset)))
}

// PutInt64Ordered writes an int64 with release semantics.
func (b *Buffer) PutInt64Ordered(offset int32, value int64) {
	atomic.StoreInt64((*int64)(b.ptr(offset)), value)
}

// CompareAndSetInt32 atomically swaps expected for updated.
func (b *Buffer) CompareAndSetInt32(offset int32, expected, updated int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(b.ptr(offset)), expected, updated)
}

// CompareAndSetInt64 atomically swaps expected for updated.
func (b *Buffer) CompareAndSetInt64(offset int32, expected, updated int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(b.ptr(offset)), expected, updated)
}

// GetAndAddInt64 atomically adds delta and returns the previous value.
func (b *Buffer) GetAndAddInt64(offset int32, delta int64) int64 {
	return atomic.AddInt64((*int64)(b.ptr(offset)), delta) - delta
}

// GetAndAddInt32 atomically adds delta and returns the previous value.
func (b *Buffer) GetAndAddInt32(offset int32, delta int32) int32 {
	return atomic.AddInt32((*int32)(b.ptr(offset)), delta) - delta
}

// GetBytes copies length bytes starting at offset into a new slice.
func (b *Buffer) GetBytes(offset, length int32) []byte {
	out := make([]byte, length)
	copy(out, b.data[offset:offset+length])
	return out
}

// PutBytes copies src into the region at offset.
func (b *Buffer) PutBytes(offset int32, src []byte) {
	copy(b.data[offset:], src)
}

// SetMemory fills [offset, offset+length) with value.
func (b *Buffer) SetMemory(offset, length int32, value byte) {
	region := b.data[offset : offset+length]
	for i := range region {
		region[i] = value
	}
}
