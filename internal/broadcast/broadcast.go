// Package broadcast implements the one-to-many buffer that carries driver
// responses and events to every attached client.
package broadcast

import (
	"errors"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// Record layout matches the command ring: {length:int32, typeId:int32,
// payload}, 8-byte aligned, padding records spanning the wrap. The trailer
// carries three positions:
//
//	tailIntent  published before a record is written; readers past it have lost
//	tail        published after a record is complete
//	latest      start of the most recent record, where a lapped reader reseeks
const (
	recordHeaderLength = 8
	recordAlignment    = recordHeaderLength
	lengthOffset       = 0
	typeOffset         = 4

	paddingMsgTypeID = int32(-1)

	tailIntentOffset  = 0
	tailCounterOffset = 8
	latestOffset      = 16

	// TrailerLength is the control region appended to the data capacity.
	TrailerLength = 2 * util.CacheLineLength
)

// ErrMessageTooLong reports a message over the per-record maximum.
var ErrMessageTooLong = errors.New("broadcast: message exceeds max length")

// Transmitter is the single-writer side, owned by the driver conductor.
type Transmitter struct {
	buf          *memory.Buffer
	capacity     int32
	mask         int32
	maxMsgLength int32
}

// NewTransmitter wraps a region of power-of-two data capacity plus trailer.
func NewTransmitter(buf *memory.Buffer) (*Transmitter, error) {
	capacity := buf.Capacity() - TrailerLength
	if !util.IsPowerOfTwo(int64(capacity)) {
		return nil, errors.New("broadcast: data capacity not a power of 2")
	}
	return &Transmitter{
		buf:          buf,
		capacity:     capacity,
		mask:         capacity - 1,
		maxMsgLength: capacity / 8,
	}, nil
}

// Capacity returns the data capacity in bytes.
func (t *Transmitter) Capacity() int32 {
	return t.capacity
}

// MaxMsgLength returns the per-record payload limit.
func (t *Transmitter) MaxMsgLength() int32 {
	return t.maxMsgLength
}

// Transmit appends one message. The tail intent is published before the body
// so a reader that raced into the region detects the overwrite.
func (t *Transmitter) Transmit(msgTypeID int32, msg []byte) error {
	length := int32(len(msg))
	if length > t.maxMsgLength {
		return ErrMessageTooLong
	}

	tail := t.buf.GetInt64(t.capacity + tailCounterOffset)
	recordLength := length + recordHeaderLength
	alignedLength := util.AlignInt32(recordLength, recordAlignment)
	recordOffset := int32(tail) & t.mask

	toEnd := t.capacity - recordOffset
	if alignedLength > toEnd {
		t.buf.PutInt64Ordered(t.capacity+tailIntentOffset, tail+int64(toEnd)+int64(alignedLength))
		t.buf.PutInt32(recordOffset+lengthOffset, toEnd)
		t.buf.PutInt32(recordOffset+typeOffset, paddingMsgTypeID)
		tail += int64(toEnd)
		recordOffset = 0
	} else {
		t.buf.PutInt64Ordered(t.capacity+tailIntentOffset, tail+int64(alignedLength))
	}

	t.buf.PutInt32(recordOffset+lengthOffset, recordLength)
	t.buf.PutInt32(recordOffset+typeOffset, msgTypeID)
	t.buf.PutBytes(recordOffset+recordHeaderLength, msg)
	t.buf.PutInt64(t.capacity+latestOffset, tail)
	t.buf.PutInt64Ordered(t.capacity+tailCounterOffset, tail+int64(alignedLength))
	return nil
}

// Receiver follows the broadcast with a private cursor. Not safe for use by
// more than one goroutine.
type Receiver struct {
	buf      *memory.Buffer
	capacity int32
	mask     int32

	cursor       int64
	nextRecord   int64
	recordOffset int32
	lappedCount  int64
}

// NewReceiver wraps the same region as the transmitter, starting at the tail.
func NewReceiver(buf *memory.Buffer) (*Receiver, error) {
	capacity := buf.Capacity() - TrailerLength
	if !util.IsPowerOfTwo(int64(capacity)) {
		return nil, errors.New("broadcast: data capacity not a power of 2")
	}
	r := &Receiver{buf: buf, capacity: capacity, mask: capacity - 1}
	tail := buf.GetInt64Volatile(capacity + tailCounterOffset)
	r.cursor = tail
	r.nextRecord = tail
	r.recordOffset = int32(tail) & r.mask
	return r, nil
}

// LappedCount returns how many times this receiver fell behind and reseeked,
// losing records.
func (r *Receiver) LappedCount() int64 {
	return r.lappedCount
}

// ReceiveNext advances to the next record if one is available.
func (r *Receiver) ReceiveNext() bool {
	isAvailable := false
	tail := r.buf.GetInt64Volatile(r.capacity + tailCounterOffset)
	cursor := r.nextRecord

	if tail > cursor {
		recordOffset := int32(cursor) & r.mask
		if !r.validate(cursor) {
			r.lappedCount++
			cursor = r.buf.GetInt64(r.capacity + latestOffset)
			recordOffset = int32(cursor) & r.mask
		}

		r.cursor = cursor
		length := r.buf.GetInt32(recordOffset + lengthOffset)
		r.nextRecord = cursor + int64(util.AlignInt32(length, recordAlignment))

		if r.buf.GetInt32(recordOffset+typeOffset) == paddingMsgTypeID {
			recordOffset = 0
			r.cursor = r.nextRecord
			length = r.buf.GetInt32(recordOffset + lengthOffset)
			r.nextRecord += int64(util.AlignInt32(length, recordAlignment))
		}

		r.recordOffset = recordOffset
		isAvailable = true
	}
	return isAvailable
}

// MsgTypeID returns the type of the current record.
func (r *Receiver) MsgTypeID() int32 {
	return r.buf.GetInt32(r.recordOffset + typeOffset)
}

// Payload returns the current record's payload, aliasing the buffer. The
// caller must Validate after copying out.
func (r *Receiver) Payload() []byte {
	length := r.buf.GetInt32(r.recordOffset + lengthOffset)
	return r.buf.Range(r.recordOffset+recordHeaderLength, length-recordHeaderLength)
}

// Validate confirms the record read was not overwritten mid-read.
func (r *Receiver) Validate() bool {
	return r.validate(r.cursor)
}

func (r *Receiver) validate(cursor int64) bool {
	return cursor+int64(r.capacity) > r.buf.GetInt64Volatile(r.capacity+tailIntentOffset)
}

// Handler consumes one broadcast message. The payload is a private copy.
type Handler func(msgTypeID int32, msg []byte)

// CopyReceiver drains validated copies of broadcast records to a handler.
type CopyReceiver struct {
	receiver *Receiver
	scratch  []byte
}

// NewCopyReceiver builds a polling wrapper over a receiver.
func NewCopyReceiver(receiver *Receiver) *CopyReceiver {
	return &CopyReceiver{
		receiver: receiver,
		scratch:  make([]byte, receiver.capacity/8),
	}
}

// Receive polls one record, copying it out before validation so a torn read
// is discarded rather than delivered.
func (c *CopyReceiver) Receive(handler Handler) int {
	received := 0
	if c.receiver.ReceiveNext() {
		msgTypeID := c.receiver.MsgTypeID()
		payload := c.receiver.Payload()
		n := copy(c.scratch, payload)
		if c.receiver.Validate() {
			handler(msgTypeID, c.scratch[:n])
			received = 1
		}
	}
	return received
}

// LappedCount reports records lost to lapping.
func (c *CopyReceiver) LappedCount() int64 {
	return c.receiver.LappedCount()
}
