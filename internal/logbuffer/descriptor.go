// Package logbuffer implements the shared-memory log of three rotating term
// buffers plus a metadata region, and the appenders and readers over it.
package logbuffer

import (
	"fmt"

	"github.com/ppiankov/aerobus/internal/memory"
	"github.com/ppiankov/aerobus/internal/util"
)

// PartitionCount is the number of term buffers in a log.
const PartitionCount = 3

// Term length bounds. Lengths are powers of two so positions decompose into
// (termId, termOffset) with shifts and masks.
const (
	TermMinLength = 64 * 1024
	TermMaxLength = 1024 * 1024 * 1024
)

// MTU bounds, header-inclusive, frame aligned.
const (
	MTUMinLength = 32
	MTUMaxLength = 8192
)

// Log metadata layout. The tail counters and the active term count share the
// first cache line; cold descriptor fields follow.
//
//	0    termTailCounters [3]int64    packed {termId:int32, tailOffset:int32}
//	24   activeTermCount  int32
//	64   endOfStreamPosition int64
//	72   isConnected      int32
//	76   activeTransportCount int32
//	128  correlationId    int64
//	136  initialTermId    int32
//	140  mtuLength        int32
//	144  termLength       int32
//	148  pageSize         int32
//	256  defaultFrameHeader [DataHeaderLength]byte
const (
	termTailCountersOffset      = 0
	logActiveTermCountOffset    = 24
	logEndOfStreamPosOffset     = 64
	logIsConnectedOffset        = 72
	logActiveTransportOffset    = 76
	logCorrelationIDOffset      = 128
	logInitialTermIDOffset      = 136
	logMTULengthOffset          = 140
	logTermLengthOffset         = 144
	logPageSizeOffset           = 148
	logDefaultFrameHeaderOffset = 256

	// LogMetaDataLength is the metadata region size, one 4 KiB page.
	LogMetaDataLength = 4096
)

// ComputeLogLength returns the file length for a log with the given term length.
func ComputeLogLength(termLength int64) int64 {
	return termLength*PartitionCount + LogMetaDataLength
}

// CheckTermLength validates a term length for use in a log.
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength {
		return fmt.Errorf("term length %d out of range [%d, %d]", termLength, TermMinLength, TermMaxLength)
	}
	if !util.IsPowerOfTwo(int64(termLength)) {
		return fmt.Errorf("term length %d not a power of 2", termLength)
	}
	return nil
}

// CheckMTULength validates an MTU for use in a log.
func CheckMTULength(mtuLength int32) error {
	if mtuLength < MTUMinLength || mtuLength > MTUMaxLength {
		return fmt.Errorf("mtu %d out of range [%d, %d]", mtuLength, MTUMinLength, MTUMaxLength)
	}
	if mtuLength&(FrameAlignment-1) != 0 {
		return fmt.Errorf("mtu %d not a multiple of %d", mtuLength, FrameAlignment)
	}
	return nil
}

// MaxMessageLength is the largest application message for a term length.
func MaxMessageLength(termLength int32) int32 {
	const absoluteMax = 16 * 1024 * 1024
	if max := termLength / 8; max < absoluteMax {
		return max
	}
	return absoluteMax
}

// MaxPayloadLength is the per-fragment payload capacity for an MTU.
func MaxPayloadLength(mtuLength int32) int32 {
	return mtuLength - DataHeaderLength
}

// MetaData wraps the metadata region of a log.
type MetaData struct {
	buf *memory.Buffer
}

// RawTailVolatile reads the packed tail counter for a partition.
func (m *MetaData) RawTailVolatile(partitionIndex int) int64 {
	return m.buf.GetInt64Volatile(termTailCountersOffset + int32(partitionIndex)*8)
}

// RawTail reads the packed tail counter without ordering.
func (m *MetaData) RawTail(partitionIndex int) int64 {
	return m.buf.GetInt64(termTailCountersOffset + int32(partitionIndex)*8)
}

// SetRawTail writes the packed tail counter without ordering.
func (m *MetaData) SetRawTail(partitionIndex int, rawTail int64) {
	m.buf.PutInt64(termTailCountersOffset+int32(partitionIndex)*8, rawTail)
}

// CasRawTail CASes the packed tail counter for a partition.
func (m *MetaData) CasRawTail(partitionIndex int, expected, updated int64) bool {
	return m.buf.CompareAndSetInt64(termTailCountersOffset+int32(partitionIndex)*8, expected, updated)
}

// GetAndAddRawTail reserves space by atomically adding to the packed tail.
func (m *MetaData) GetAndAddRawTail(partitionIndex int, alignedLength int32) int64 {
	return m.buf.GetAndAddInt64(termTailCountersOffset+int32(partitionIndex)*8, int64(alignedLength))
}

// ActiveTermCountVolatile reads the active term count with acquire semantics.
func (m *MetaData) ActiveTermCountVolatile() int32 {
	return m.buf.GetInt32Volatile(logActiveTermCountOffset)
}

// SetActiveTermCountOrdered publishes a new active term count.
func (m *MetaData) SetActiveTermCountOrdered(termCount int32) {
	m.buf.PutInt32Ordered(logActiveTermCountOffset, termCount)
}

// CasActiveTermCount moves the active term count forward if unchanged.
func (m *MetaData) CasActiveTermCount(expected, updated int32) bool {
	return m.buf.CompareAndSetInt32(logActiveTermCountOffset, expected, updated)
}

// EndOfStreamPosition reads the end-of-stream position with acquire semantics.
func (m *MetaData) EndOfStreamPosition() int64 {
	return m.buf.GetInt64Volatile(logEndOfStreamPosOffset)
}

// SetEndOfStreamPosition publishes the end-of-stream position.
func (m *MetaData) SetEndOfStreamPosition(position int64) {
	m.buf.PutInt64Ordered(logEndOfStreamPosOffset, position)
}

// IsConnected reports whether any consumer is attached.
func (m *MetaData) IsConnected() bool {
	return m.buf.GetInt32Volatile(logIsConnectedOffset) == 1
}

// SetConnected publishes the connected flag.
func (m *MetaData) SetConnected(connected bool) {
	v := int32(0)
	if connected {
		v = 1
	}
	m.buf.PutInt32Ordered(logIsConnectedOffset, v)
}

// ActiveTransportCount reads the number of live transports delivering to the log.
func (m *MetaData) ActiveTransportCount() int32 {
	return m.buf.GetInt32Volatile(logActiveTransportOffset)
}

// SetActiveTransportCount publishes the live transport count.
func (m *MetaData) SetActiveTransportCount(count int32) {
	m.buf.PutInt32Ordered(logActiveTransportOffset, count)
}

// CorrelationID reads the registration correlation id for the log.
func (m *MetaData) CorrelationID() int64 {
	return m.buf.GetInt64(logCorrelationIDOffset)
}

// SetCorrelationID stores the registration correlation id.
func (m *MetaData) SetCorrelationID(id int64) {
	m.buf.PutInt64(logCorrelationIDOffset, id)
}

// InitialTermID reads the initial term id the log started with.
func (m *MetaData) InitialTermID() int32 {
	return m.buf.GetInt32(logInitialTermIDOffset)
}

// SetInitialTermID stores the initial term id.
func (m *MetaData) SetInitialTermID(termID int32) {
	m.buf.PutInt32(logInitialTermIDOffset, termID)
}

// MTULength reads the log MTU.
func (m *MetaData) MTULength() int32 {
	return m.buf.GetInt32(logMTULengthOffset)
}

// SetMTULength stores the log MTU.
func (m *MetaData) SetMTULength(mtu int32) {
	m.buf.PutInt32(logMTULengthOffset, mtu)
}

// TermLength reads the term length.
func (m *MetaData) TermLength() int32 {
	return m.buf.GetInt32(logTermLengthOffset)
}

// SetTermLength stores the term length.
func (m *MetaData) SetTermLength(termLength int32) {
	m.buf.PutInt32(logTermLengthOffset, termLength)
}

// PageSize reads the page size the log was created with.
func (m *MetaData) PageSize() int32 {
	return m.buf.GetInt32(logPageSizeOffset)
}

// SetPageSize stores the page size.
func (m *MetaData) SetPageSize(pageSize int32) {
	m.buf.PutInt32(logPageSizeOffset, pageSize)
}

// DefaultFrameHeader returns the template header applied to appended frames.
func (m *MetaData) DefaultFrameHeader() []byte {
	return m.buf.Range(logDefaultFrameHeaderOffset, DataHeaderLength)
}

// IndexByTermCount maps a term count onto a partition index.
func IndexByTermCount(termCount int32) int {
	return int(((termCount % PartitionCount) + PartitionCount) % PartitionCount)
}

// NextPartitionIndex cycles to the following partition.
func NextPartitionIndex(index int) int {
	return (index + 1) % PartitionCount
}

// TermID extracts the term id from a packed raw tail.
func TermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffset extracts the tail offset from a packed raw tail, clamped to the
// term length since concurrent reservations can push the raw value past it.
func TermOffset(rawTail int64, termLength int64) int32 {
	tail := rawTail & 0xffffffff
	if tail < termLength {
		return int32(tail)
	}
	return int32(termLength)
}

// PackTail packs a termId and offset into a raw tail value.
func PackTail(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(termOffset)&0xffffffff
}

// CleanTermBuffer zeroes a term buffer so frame headers left from its previous
// generation can never be read as committed frames once the partition rotates
// back into service. The final ordered store pairs with the reader's acquire
// on frameLength.
func CleanTermBuffer(termBuffer *memory.Buffer) {
	termBuffer.SetMemory(0, termBuffer.Capacity(), 0)
	termBuffer.PutInt32Ordered(0, 0)
}

// RotateLog advances the log to the next term. The partition that will host
// the term after next is pre-cleaned first; consumers are held within half a
// term of the producer by the position limit, so nothing can still be reading
// it. The tail of the partition being activated is reset to (termId+1, 0) only
// if it still carries the term id from three terms back, so concurrent
// rotators cannot double-reset it. Returns false if another rotator already
// published the new term count.
func RotateLog(lb *LogBuffers, currentTermCount, currentTermID int32) bool {
	meta := lb.Meta()
	nextTermID := currentTermID + 1
	nextTermCount := currentTermCount + 1
	nextIndex := IndexByTermCount(nextTermCount)
	expectedTermID := nextTermID - PartitionCount
	newRawTail := PackTail(nextTermID, 0)

	CleanTermBuffer(lb.TermBuffer(IndexByTermCount(currentTermCount + 2)))

	for {
		rawTail := meta.RawTailVolatile(nextIndex)
		if expectedTermID != TermID(rawTail) {
			break
		}
		if meta.CasRawTail(nextIndex, rawTail, newRawTail) {
			break
		}
	}

	return meta.CasActiveTermCount(currentTermCount, nextTermCount)
}

// InitialiseTailWithTermID seeds a partition tail for a fresh log.
func InitialiseTailWithTermID(meta *MetaData, partitionIndex int, termID int32) {
	meta.SetRawTail(partitionIndex, PackTail(termID, 0))
}
