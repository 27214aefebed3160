// Package ringbuffer implements the many-producer single-consumer ring that
// carries client commands to the driver over shared memory.
package ringbuffer

import (
	"errors"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Record layout: {length:int32, typeId:int32, payload}. Records are 8-byte
// aligned; the length is negative while a producer is filling the record and
// is published with a release store. A padding record (PaddingMsgTypeID)
// carries a reservation over the wrap point.
const (
	recordHeaderLength = 8
	recordAlignment    = recordHeaderLength
	lengthOffset       = 0
	typeOffset         = 4

	// PaddingMsgTypeID marks a record the consumer skips.
	PaddingMsgTypeID = int32(-1)

	// minMsgTypeID is the bottom of the valid message type range.
	minMsgTypeID = int32(1)
)

// Trailer layout past the data region, one cache line pair per field.
const (
	tailPositionOffset      = 0
	headCachePositionOffset = 2 * util.CacheLineLength
	headPositionOffset      = 4 * util.CacheLineLength
	correlationIDOffset     = 6 * util.CacheLineLength
	consumerHeartbeatOffset = 8 * util.CacheLineLength

	// TrailerLength is the control region appended to the data capacity.
	TrailerLength = 10 * util.CacheLineLength
)

var (
	// ErrInsufficientCapacity reports a full ring; the producer retries.
	ErrInsufficientCapacity = errors.New("ring buffer: insufficient capacity")
	// ErrMessageTooLong reports a message over the per-record maximum.
	ErrMessageTooLong = errors.New("ring buffer: message exceeds max length")
	errInvalidType    = errors.New("ring buffer: message type id out of range")
)

// RingBuffer is a many-to-one ring over a shared-memory region whose data
// capacity is a power of two.
type RingBuffer struct {
	buf          *memory.Buffer
	capacity     int32
	mask         int32
	maxMsgLength int32
}

// New wraps a region of power-of-two data capacity plus TrailerLength.
func New(buf *memory.Buffer) (*RingBuffer, error) {
	capacity := buf.Capacity() - TrailerLength
	if !util.IsPowerOfTwo(int64(capacity)) {
		return nil, errors.New("ring buffer: data capacity not a power of 2")
	}
	return &RingBuffer{
		buf:          buf,
		capacity:     capacity,
		mask:         capacity - 1,
		maxMsgLength: capacity / 8,
	}, nil
}

// Capacity returns the data capacity in bytes.
func (r *RingBuffer) Capacity() int32 {
	return r.capacity
}

// MaxMsgLength returns the per-record payload limit.
func (r *RingBuffer) MaxMsgLength() int32 {
	return r.maxMsgLength
}

// NextCorrelationID hands out a unique id from the shared counter.
func (r *RingBuffer) NextCorrelationID() int64 {
	return r.buf.GetAndAddInt64(r.capacity+correlationIDOffset, 1)
}

// ConsumerHeartbeatTime reads the consumer liveness timestamp.
func (r *RingBuffer) ConsumerHeartbeatTime() int64 {
	return r.buf.GetInt64Volatile(r.capacity + consumerHeartbeatOffset)
}

// SetConsumerHeartbeatTime publishes the consumer liveness timestamp.
func (r *RingBuffer) SetConsumerHeartbeatTime(nowMs int64) {
	r.buf.PutInt64Ordered(r.capacity+consumerHeartbeatOffset, nowMs)
}

// Write copies one message onto the ring. Fails with
// ErrInsufficientCapacity when the consumer has not freed enough space.
func (r *RingBuffer) Write(msgTypeID int32, msg []byte) error {
	if msgTypeID < minMsgTypeID {
		return errInvalidType
	}
	length := int32(len(msg))
	if length > r.maxMsgLength {
		return ErrMessageTooLong
	}

	recordLength := length + recordHeaderLength
	requiredCapacity := util.AlignInt32(recordLength, recordAlignment)
	recordIndex, err := r.claimCapacity(requiredCapacity)
	if err != nil {
		return err
	}

	r.buf.PutInt32Ordered(recordIndex+lengthOffset, -recordLength)
	r.buf.PutInt32(recordIndex+typeOffset, msgTypeID)
	r.buf.PutBytes(recordIndex+recordHeaderLength, msg)
	r.buf.PutInt32Ordered(recordIndex+lengthOffset, recordLength)
	return nil
}

// claimCapacity reserves space with a CAS loop on the tail, inserting a
// padding record when the claim would straddle the end of the data region.
func (r *RingBuffer) claimCapacity(requiredCapacity int32) (int32, error) {
	head := r.buf.GetInt64Volatile(r.capacity + headCachePositionOffset)

	var tail int64
	var tailIndex, padding int32
	for {
		tail = r.buf.GetInt64Volatile(r.capacity + tailPositionOffset)
		availableCapacity := r.capacity - int32(tail-head)
		if requiredCapacity > availableCapacity {
			head = r.buf.GetInt64Volatile(r.capacity + headPositionOffset)
			if requiredCapacity > r.capacity-int32(tail-head) {
				return 0, ErrInsufficientCapacity
			}
			r.buf.PutInt64Ordered(r.capacity+headCachePositionOffset, head)
		}

		padding = 0
		tailIndex = int32(tail) & r.mask
		toBufferEnd := r.capacity - tailIndex
		if requiredCapacity > toBufferEnd {
			headIndex := int32(head) & r.mask
			if requiredCapacity > headIndex {
				head = r.buf.GetInt64Volatile(r.capacity + headPositionOffset)
				headIndex = int32(head) & r.mask
				if requiredCapacity > headIndex {
					return 0, ErrInsufficientCapacity
				}
				r.buf.PutInt64Ordered(r.capacity+headCachePositionOffset, head)
			}
			padding = toBufferEnd
		}

		if r.buf.CompareAndSetInt64(r.capacity+tailPositionOffset, tail, tail+int64(requiredCapacity)+int64(padding)) {
			break
		}
	}

	if padding != 0 {
		r.buf.PutInt32Ordered(tailIndex+lengthOffset, -padding)
		r.buf.PutInt32(tailIndex+typeOffset, PaddingMsgTypeID)
		r.buf.PutInt32Ordered(tailIndex+lengthOffset, padding)
		tailIndex = 0
	}
	return tailIndex, nil
}

// MessageHandler consumes one command. The payload aliases the ring and must
// be copied if retained.
type MessageHandler func(msgTypeID int32, msg []byte)

// Read drains up to messageCountLimit records, zeroing consumed bytes and
// advancing the head so producers regain the space.
func (r *RingBuffer) Read(handler MessageHandler, messageCountLimit int) int {
	head := r.buf.GetInt64(r.capacity + headPositionOffset)
	headIndex := int32(head) & r.mask
	maxBlockLength := r.capacity - headIndex

	messagesRead := 0
	bytesRead := int32(0)
	for bytesRead < maxBlockLength && messagesRead < messageCountLimit {
		recordIndex := headIndex + bytesRead
		recordLength := r.buf.GetInt32Volatile(recordIndex + lengthOffset)
		if recordLength <= 0 {
			break
		}

		bytesRead += util.AlignInt32(recordLength, recordAlignment)
		msgTypeID := r.buf.GetInt32(recordIndex + typeOffset)
		if msgTypeID == PaddingMsgTypeID {
			continue
		}

		messagesRead++
		handler(msgTypeID, r.buf.Range(recordIndex+recordHeaderLength, recordLength-recordHeaderLength))
	}

	if bytesRead > 0 {
		r.buf.SetMemory(headIndex, bytesRead, 0)
		r.buf.PutInt64Ordered(r.capacity+headPositionOffset, head+int64(bytesRead))
	}
	return messagesRead
}

// Size returns the bytes currently queued.
func (r *RingBuffer) Size() int32 {
	for {
		head := r.buf.GetInt64Volatile(r.capacity + headPositionOffset)
		tail := r.buf.GetInt64Volatile(r.capacity + tailPositionOffset)
		if head == r.buf.GetInt64Volatile(r.capacity+headPositionOffset) {
			return int32(tail - head)
		}
	}
}
