package logbuffer

import "github.com/ppiankov/aerobus/internal/memory"

// Data frame header layout, little endian, 32 bytes:
//
//	0   frameLength   int32   negative while under construction
//	4   version       int8
//	5   flags         uint8
//	6   type          int16
//	8   termOffset    int32
//	12  sessionId     int32
//	16  streamId      int32
//	20  termId        int32
//	24  reservedValue int64
const (
	frameLengthOffset   = 0
	versionOffset       = 4
	flagsOffset         = 5
	typeOffset          = 6
	termOffsetOffset    = 8
	sessionIDOffset     = 12
	streamIDOffset      = 16
	termIDOffset        = 20
	reservedValueOffset = 24

	// DataHeaderLength is the size of a data frame header.
	DataHeaderLength = 32

	// FrameAlignment is the boundary every frame starts and ends on.
	FrameAlignment = 32
)

// CurrentVersion of the frame format.
const CurrentVersion = 0

// Fragmentation flags.
const (
	BeginFragFlag     = uint8(0x80)
	EndFragFlag       = uint8(0x40)
	UnfragmentedFlags = BeginFragFlag | EndFragFlag
)

// Frame type ids. Non-data types travel on the wire only; PAD fills the gap a
// frame would have left at the end of a term.
const (
	HdrTypePad   = int16(0x00)
	HdrTypeData  = int16(0x01)
	HdrTypeNak   = int16(0x02)
	HdrTypeSM    = int16(0x03)
	HdrTypeErr   = int16(0x04)
	HdrTypeSetup = int16(0x05)
	HdrTypeRTTM  = int16(0x06)
)

// FrameLengthVolatile reads a frame length with acquire semantics. A zero or
// negative value means the frame is not yet committed.
func FrameLengthVolatile(termBuffer *memory.Buffer, frameOffset int32) int32 {
	return termBuffer.GetInt32Volatile(frameOffset + frameLengthOffset)
}

// FrameLengthOrdered publishes a frame by storing its length with release
// semantics. Must be the last store of frame construction.
func FrameLengthOrdered(termBuffer *memory.Buffer, frameOffset, frameLength int32) {
	termBuffer.PutInt32Ordered(frameOffset+frameLengthOffset, frameLength)
}

// FrameType reads the frame type.
func FrameType(termBuffer *memory.Buffer, frameOffset int32) int16 {
	return termBuffer.GetInt16(frameOffset + typeOffset)
}

// FrameFlags reads the frame flags.
func FrameFlags(termBuffer *memory.Buffer, frameOffset int32) uint8 {
	return termBuffer.GetUint8(frameOffset + flagsOffset)
}

// FrameIsPadding reports whether the frame at the offset is a padding frame.
func FrameIsPadding(termBuffer *memory.Buffer, frameOffset int32) bool {
	return FrameType(termBuffer, frameOffset) == HdrTypePad
}

// FrameTermOffset reads the frame's recorded term offset.
func FrameTermOffset(termBuffer *memory.Buffer, frameOffset int32) int32 {
	return termBuffer.GetInt32(frameOffset + termOffsetOffset)
}

// FrameSessionID reads the frame's session id.
func FrameSessionID(termBuffer *memory.Buffer, frameOffset int32) int32 {
	return termBuffer.GetInt32(frameOffset + sessionIDOffset)
}

// FrameStreamID reads the frame's stream id.
func FrameStreamID(termBuffer *memory.Buffer, frameOffset int32) int32 {
	return termBuffer.GetInt32(frameOffset + streamIDOffset)
}

// FrameTermID reads the frame's term id.
func FrameTermID(termBuffer *memory.Buffer, frameOffset int32) int32 {
	return termBuffer.GetInt32(frameOffset + termIDOffset)
}

// FrameReservedValue reads the frame's reserved value.
func FrameReservedValue(termBuffer *memory.Buffer, frameOffset int32) int64 {
	return termBuffer.GetInt64(frameOffset + reservedValueOffset)
}

// SetFrameReservedValue writes the frame's reserved value.
func SetFrameReservedValue(termBuffer *memory.Buffer, frameOffset int32, value int64) {
	termBuffer.PutInt64(frameOffset+reservedValueOffset, value)
}

// ApplyDefaultHeader writes the template header for a frame under construction:
// the negative frame length first with release semantics to block readers, then
// the remaining header fields without ordering.
func ApplyDefaultHeader(termBuffer *memory.Buffer, frameOffset, frameLength int32, defaultHeader []byte) {
	termBuffer.PutInt32Ordered(frameOffset+frameLengthOffset, -frameLength)
	copy(termBuffer.Range(frameOffset+frameLengthOffset+4, DataHeaderLength-4), defaultHeader[4:])
}

// WriteFrameHeader fills in the per-frame fields of a header under construction.
func WriteFrameHeader(termBuffer *memory.Buffer, frameOffset int32, flags uint8, frameType int16, termOffset, sessionID, streamID, termID int32) {
	termBuffer.PutUint8(frameOffset+versionOffset, CurrentVersion)
	termBuffer.PutUint8(frameOffset+flagsOffset, flags)
	termBuffer.PutInt16(frameOffset+typeOffset, frameType)
	termBuffer.PutInt32(frameOffset+termOffsetOffset, termOffset)
	termBuffer.PutInt32(frameOffset+sessionIDOffset, sessionID)
	termBuffer.PutInt32(frameOffset+streamIDOffset, streamID)
	termBuffer.PutInt32(frameOffset+termIDOffset, termID)
}

// DefaultFrameHeader builds the template header stored in log metadata.
func DefaultFrameHeader(sessionID, streamID int32) []byte {
	hdr := make([]byte, DataHeaderLength)
	hdr[versionOffset] = CurrentVersion
	hdr[flagsOffset] = UnfragmentedFlags
	hdr[typeOffset] = byte(HdrTypeData)
	hdr[typeOffset+1] = byte(HdrTypeData >> 8)
	putInt32(hdr, sessionIDOffset, sessionID)
	putInt32(hdr, streamIDOffset, streamID)
	return hdr
}

func putInt32(b []byte, offset int, v int32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}
